package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/voxscribe/voxscribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// frameChannelBuffer sizes each per-user frame channel. At 20 ms per frame
// this buffers a little over a second of audio before frames are dropped.
const frameChannelBuffer = 64

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Incoming Opus packets are demuxed by SSRC
// and routed to the subscribing user's frame channel; packets from
// non-subscribed users are discarded.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	channelID string

	mu       sync.Mutex
	subs     map[string]chan audio.OpusFrame // keyed by userID
	ssrcUser map[uint32]string               // SSRC -> userID, from speaking updates

	stateCb func(audio.ConnState)
	stateMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC tears down the voice connection during Disconnect.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the demux goroutine.
func newConnection(vc *discordgo.VoiceConnection, channelID string) *Connection {
	c := &Connection{
		vc:           vc,
		channelID:    channelID,
		subs:         make(map[string]chan audio.OpusFrame),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	// Speaking updates are the only place Discord ties an SSRC to a user ID.
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()

	return c
}

// Subscribe implements [audio.Connection].
func (c *Connection) Subscribe(userID string) (<-chan audio.OpusFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[userID]; exists {
		return nil, fmt.Errorf("discord: user %s is already subscribed", userID)
	}
	ch := make(chan audio.OpusFrame, frameChannelBuffer)
	c.subs[userID] = ch
	return ch, nil
}

// Unsubscribe implements [audio.Connection].
func (c *Connection) Unsubscribe(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subs[userID]; ok {
		close(ch)
		delete(c.subs, userID)
	}
}

// OnStateChange implements [audio.Connection]. Only one callback may be
// registered; subsequent calls replace the previous one.
func (c *Connection) OnStateChange(cb func(audio.ConnState)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateCb = cb
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	return c.channelID
}

// Disconnect cleanly tears down the voice connection and stops the demux
// goroutine. Safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		// Close all subscriptions so downstream consumers see EOF.
		c.mu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()

		c.emitState(audio.ConnDestroyed)
	})
	return err
}

// recvLoop reads Opus packets from the Discord voice connection, resolves
// the sending user by SSRC, and delivers frames to that user's channel.
func (c *Connection) recvLoop() {
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				// Discord dropped the voice websocket underneath us.
				c.emitState(audio.ConnDisconnected)
				return
			}
			if pkt == nil {
				continue
			}

			frame := audio.OpusFrame{
				Data:      pkt.Opus,
				Timestamp: time.Duration(pkt.Timestamp) * time.Second / opusClockRate,
			}

			// The send stays under the lock: Unsubscribe and Disconnect
			// close the channel under the same lock, so a close can never
			// land between the lookup and the send. The send is non-blocking,
			// so the lock is held only briefly.
			c.mu.Lock()
			if userID, known := c.ssrcUser[pkt.SSRC]; known {
				if ch, ok := c.subs[userID]; ok {
					select {
					case ch <- frame:
					default:
						// Channel full; drop the frame rather than block the demux.
					}
				}
			}
			c.mu.Unlock()
		}
	}
}

// opusClockRate is the RTP clock rate for Opus (48 kHz).
const opusClockRate = 48000

// handleSpeakingUpdate records the SSRC → userID mapping Discord announces
// whenever a participant starts or stops speaking.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	prev, had := c.ssrcUser[uint32(vs.SSRC)]
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()

	if had && prev != vs.UserID {
		slog.Debug("discord: SSRC remapped", "ssrc", vs.SSRC, "from", prev, "to", vs.UserID)
	}
}

// emitState safely invokes the registered state change callback.
func (c *Connection) emitState(s audio.ConnState) {
	c.stateMu.Lock()
	cb := c.stateCb
	c.stateMu.Unlock()
	if cb != nil {
		go cb(s)
	}
}
