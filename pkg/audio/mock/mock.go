// Package mock provides in-memory mock implementations of the
// [audio.Platform] and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields the test can set to control return values.
package mock

import (
	"context"
	"sync"

	"github.com/voxscribe/voxscribe/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// Frames holds the channel handed out per Subscribe call, keyed by
	// userID. Tests push frames into these to simulate incoming audio.
	// Channels are created lazily with a buffer of 64 when not preset.
	Frames map[string]chan audio.OpusFrame

	// SubscribeError is returned by Subscribe when non-nil.
	SubscribeError error

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// Channel is returned by ChannelID.
	Channel string

	// SubscribeCalls records the userIDs passed to Subscribe.
	SubscribeCalls []string

	// UnsubscribeCalls records the userIDs passed to Unsubscribe.
	UnsubscribeCalls []string

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// StateCallbacks holds the callbacks registered via OnStateChange,
	// in order of registration.
	StateCallbacks []func(audio.ConnState)
}

// Subscribe implements [audio.Connection].
func (c *Connection) Subscribe(userID string) (<-chan audio.OpusFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubscribeCalls = append(c.SubscribeCalls, userID)
	if c.SubscribeError != nil {
		return nil, c.SubscribeError
	}
	if c.Frames == nil {
		c.Frames = make(map[string]chan audio.OpusFrame)
	}
	ch, ok := c.Frames[userID]
	if !ok {
		ch = make(chan audio.OpusFrame, 64)
		c.Frames[userID] = ch
	}
	return ch, nil
}

// Unsubscribe implements [audio.Connection]. Closes and removes the user's
// frame channel, mirroring the real adapter.
func (c *Connection) Unsubscribe(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UnsubscribeCalls = append(c.UnsubscribeCalls, userID)
	if ch, ok := c.Frames[userID]; ok {
		close(ch)
		delete(c.Frames, userID)
	}
}

// OnStateChange implements [audio.Connection]. The callback is appended to
// StateCallbacks. To simulate transitions in tests, call
// [Connection.EmitState].
func (c *Connection) OnStateChange(cb func(audio.ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StateCallbacks = append(c.StateCallbacks, cb)
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Channel
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// EmitState calls all registered state change callbacks with the given
// state. Use this in tests to simulate disconnects.
func (c *Connection) EmitState(s audio.ConnState) {
	c.mu.Lock()
	cbs := make([]func(audio.ConnState), len(c.StateCallbacks))
	copy(cbs, c.StateCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// GuildID is the guildID argument passed to Connect.
	GuildID string

	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// BlockUntilCancel makes Connect block until ctx is cancelled and then
	// return ctx.Err(). Used to exercise ready-timeout handling.
	BlockUntilCancel bool

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	block := p.BlockUntilCancel
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}
