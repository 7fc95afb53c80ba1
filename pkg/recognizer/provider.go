// Package recognizer defines the Provider interface for cloud
// continuous-speech-recognition backends.
//
// A recognition provider wraps a push-style streaming service (Azure Speech,
// Deepgram, …) and exposes a uniform session abstraction: once opened, a
// [Session] accepts raw PCM audio written incrementally and emits recognition
// results, cancellation events, and a pollable connection status. The
// restart/reconnect state machine that drives a Session lives above this
// package; providers only report what the backend tells them.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per actively-listening user).
package recognizer

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// recognition session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. Typical: 16000.
	SampleRate int

	// BitsPerSample is the PCM bit depth. Typical: 16.
	BitsPerSample int

	// Channels is the number of audio channels. 1 = mono (required by most
	// recognition backends).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string uses the provider's default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words. Providers without keyword support
	// ignore the list.
	Keywords []KeywordBoost
}

// KeywordBoost is a vocabulary hint for recognition.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// Session represents an open recognition session backed by a push-stream.
//
// Callers must call Close when the session is no longer needed; failing to
// do so leaks goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type Session interface {
	// WriteAudio pushes a chunk of raw PCM audio into the backend's
	// push-stream. The chunk must match the format agreed in StreamConfig.
	// Calling WriteAudio after Close returns an error.
	WriteAudio(chunk []byte) error

	// Results returns a read-only channel emitting recognition results,
	// both low-latency partials and authoritative finals (distinguished by
	// [Result.IsFinal]). The channel is closed when the session ends.
	Results() <-chan Result

	// Canceled returns a read-only channel emitting backend cancellation
	// events, classified as transient (the caller should restart) or fatal.
	// The channel is closed when the session ends.
	Canceled() <-chan CancelEvent

	// ConnectionStatus reports the current backend connection status. It is
	// designed to be polled on a fixed interval; the status is the
	// provider's best knowledge and may lag the wire by one event.
	ConnectionStatus() ConnectionStatus

	// Close stops recognition, closes the push-stream, and releases all
	// resources. After Close returns, the Results and Canceled channels are
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any continuous-recognition backend.
type Provider interface {
	// StartStream opens a new recognition session with the given audio
	// format. The returned Session is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session
	// (authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the Session and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
