// Package voice is the facade over the capture stack: it joins voice
// channels, builds the per-user pipeline and recognition session, registers
// them with the session manager, and re-emits domain events to a [Sink].
package voice

import "time"

// ActivityKind distinguishes the phases of a voice-activity event.
type ActivityKind int

const (
	// ActivityStart: sustained speech began.
	ActivityStart ActivityKind = iota

	// ActivityOngoing: speech continues; reported periodically.
	ActivityOngoing

	// ActivityEnd: sustained silence closed the utterance.
	ActivityEnd
)

// String returns the human-readable name of the kind.
func (k ActivityKind) String() string {
	switch k {
	case ActivityStart:
		return "start"
	case ActivityOngoing:
		return "ongoing"
	case ActivityEnd:
		return "end"
	default:
		return "unknown"
	}
}

// TranscriptEvent carries recognized speech for one user.
type TranscriptEvent struct {
	UserID string
	Text   string

	// IsFinal distinguishes authoritative results from interim ones.
	IsFinal bool

	// Confidence is the backend's score (0.0–1.0); zero when unreported.
	Confidence float64

	Timestamp time.Time
}

// ActivityEvent reports a speech-boundary or periodic-activity observation.
type ActivityEvent struct {
	UserID    string
	Kind      ActivityKind
	Level     float64
	Timestamp time.Time
}

// SilenceWarningEvent reports an extended stretch without speech.
type SilenceWarningEvent struct {
	UserID   string
	Duration time.Duration
}

// ErrorEvent reports a non-recognition voice error (capture, connection).
type ErrorEvent struct {
	UserID string
	Err    error
}

// RecognitionErrorEvent reports a recognition failure. Fatal means the
// session is dead and has been (or is being) torn down.
type RecognitionErrorEvent struct {
	UserID string
	Err    error
	Fatal  bool
}

// TimeoutEvent reports a session expired by the idle sweep.
type TimeoutEvent struct {
	UserID string
}

// StopEvent reports that a user's listening session ended and its resources
// were released.
type StopEvent struct {
	UserID string
}

// Sink receives the facade's domain events. Implementations must not block;
// events are delivered synchronously from pipeline and session goroutines.
type Sink interface {
	Transcript(ev TranscriptEvent)
	Activity(ev ActivityEvent)
	SilenceWarning(ev SilenceWarningEvent)
	VoiceError(ev ErrorEvent)
	RecognitionError(ev RecognitionErrorEvent)
	SessionTimeout(ev TimeoutEvent)
	ListeningStop(ev StopEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Transcript(TranscriptEvent)             {}
func (NopSink) Activity(ActivityEvent)                 {}
func (NopSink) SilenceWarning(SilenceWarningEvent)     {}
func (NopSink) VoiceError(ErrorEvent)                  {}
func (NopSink) RecognitionError(RecognitionErrorEvent) {}
func (NopSink) SessionTimeout(TimeoutEvent)            {}
func (NopSink) ListeningStop(StopEvent)                {}

var _ Sink = NopSink{}
