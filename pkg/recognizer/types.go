package recognizer

import "time"

// Result represents a recognition result from a provider. Both partial
// (interim) and final results use this type.
type Result struct {
	// Text is the recognized speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero means the
	// provider does not report confidence for this result.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// CancelEvent is a backend-reported cancellation.
type CancelEvent struct {
	// Transient indicates a connection-level interruption the caller should
	// recover from by restarting the session. False means an explicit
	// backend error; recovery is not expected to help.
	Transient bool

	// Err describes the cancellation cause.
	Err error
}

// ConnectionStatus is the provider's view of the backend connection.
type ConnectionStatus int

const (
	// StatusConnecting means the session is being established.
	StatusConnecting ConnectionStatus = iota

	// StatusConnected means the backend link is up.
	StatusConnected

	// StatusDisconnected means the backend link dropped.
	StatusDisconnected

	// StatusUnknown means the provider cannot determine the link state.
	// A status stuck at Unknown across several polls is treated as a
	// silent failure by the layer above.
	StatusUnknown
)

// String returns the human-readable name of the status.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}
