package audio

import "time"

// OpusFrame is a single compressed audio frame as delivered by a voice
// platform, before decoding. Frames arrive continuously per participant for
// as long as that participant is speaking.
type OpusFrame struct {
	// Data is the raw Opus packet payload.
	Data []byte

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// PCMChunk is a buffer of signed 16-bit little-endian samples produced by a
// decode or conversion stage. Rate and channel count are fixed for the
// lifetime of one pipeline instance.
type PCMChunk struct {
	// Data holds interleaved little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Opus decode output, 16000 for the
	// recognizer target).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when the source frame was captured, relative to
	// stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Decoder turns compressed frames into raw PCM at the codec's native rate
// and channel count. Implementations keep per-stream codec state, so one
// Decoder must be created per participant stream and must not be shared
// across goroutines.
type Decoder interface {
	// Decode decodes a single compressed frame. A malformed or empty frame
	// returns an error; callers are expected to drop the chunk and continue.
	Decode(frame OpusFrame) (PCMChunk, error)

	// Close releases codec resources. Safe to call more than once.
	Close() error
}
