package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxscribe/voxscribe/internal/voice"
)

// MessagePoster is the subset of [*discordgo.Session] used to post channel
// messages.
type MessagePoster interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier implements [voice.Sink] and posts final transcripts and session
// notices back to the text channel each /listen command came from.
//
// Sink callbacks fire on pipeline and recognition goroutines, so posting is
// decoupled through a buffered queue drained by a single worker. When the
// queue is full the message is dropped and logged rather than stalling the
// audio path.
type Notifier struct {
	poster MessagePoster
	log    *slog.Logger

	mu       sync.Mutex
	channels map[string]string // userID -> text channel ID

	queue chan outgoing
	done  chan struct{}
	once  sync.Once
}

type outgoing struct {
	channelID string
	content   string
}

// Compile-time interface assertion.
var _ voice.Sink = (*Notifier)(nil)

// NewNotifier creates a Notifier and starts its posting worker.
func NewNotifier(poster MessagePoster, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	n := &Notifier{
		poster:   poster,
		log:      log,
		channels: make(map[string]string),
		queue:    make(chan outgoing, 64),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

// Bind routes a user's notifications to the given text channel.
func (n *Notifier) Bind(userID, channelID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels[userID] = channelID
}

// Close stops the posting worker. Queued messages are discarded.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.done) })
}

func (n *Notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case msg := <-n.queue:
			if _, err := n.poster.ChannelMessageSend(msg.channelID, msg.content); err != nil {
				n.log.Warn("failed to post message", "channel_id", msg.channelID, "err", err)
			}
		}
	}
}

func (n *Notifier) post(userID, content string) {
	n.mu.Lock()
	channelID, ok := n.channels[userID]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case n.queue <- outgoing{channelID: channelID, content: content}:
	default:
		n.log.Warn("notification queue full, dropping message", "user_id", userID)
	}
}

// Transcript posts final transcripts. Interim results are too chatty for a
// text channel and are skipped.
func (n *Notifier) Transcript(ev voice.TranscriptEvent) {
	if !ev.IsFinal || ev.Text == "" {
		return
	}
	n.post(ev.UserID, fmt.Sprintf("<@%s>: %s", ev.UserID, ev.Text))
}

// Activity is log-only; speech boundaries are not worth a channel message.
func (n *Notifier) Activity(ev voice.ActivityEvent) {
	n.log.Debug("voice activity", "user_id", ev.UserID, "kind", ev.Kind.String(), "level_db", ev.Level)
}

// SilenceWarning posts a notice after an extended stretch without speech.
func (n *Notifier) SilenceWarning(ev voice.SilenceWarningEvent) {
	n.post(ev.UserID, fmt.Sprintf("No speech detected from <@%s> for %s.", ev.UserID, ev.Duration.Round(time.Second)))
}

// VoiceError posts connection-level failures.
func (n *Notifier) VoiceError(ev voice.ErrorEvent) {
	n.post(ev.UserID, fmt.Sprintf("Voice connection problem for <@%s>: %v", ev.UserID, ev.Err))
}

// RecognitionError posts fatal recognition failures; transient ones are
// handled by the restart machinery and only logged.
func (n *Notifier) RecognitionError(ev voice.RecognitionErrorEvent) {
	if !ev.Fatal {
		n.log.Warn("transient recognition error", "user_id", ev.UserID, "err", ev.Err)
		return
	}
	n.post(ev.UserID, fmt.Sprintf("Transcription for <@%s> stopped after repeated recognition failures.", ev.UserID))
}

// SessionTimeout posts an idle-expiry notice.
func (n *Notifier) SessionTimeout(ev voice.TimeoutEvent) {
	n.post(ev.UserID, fmt.Sprintf("Stopped transcribing <@%s> after a long period of inactivity.", ev.UserID))
}

// ListeningStop unbinds the user once their session's resources are gone.
func (n *Notifier) ListeningStop(ev voice.StopEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.channels, ev.UserID)
}
