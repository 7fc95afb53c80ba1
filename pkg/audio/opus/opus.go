// Package opus provides the Opus frame decoder used as the first stage of
// the capture pipeline. It wraps layeh.com/gopus and implements
// [audio.Decoder].
package opus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxscribe/voxscribe/pkg/audio"
	"layeh.com/gopus"
)

// Voice platforms deliver 48 kHz stereo Opus at 20 ms frame size.
const (
	SampleRate  = 48000
	Channels    = 2
	frameSizeMs = 20
	// frameSize is the number of samples per channel per 20 ms frame.
	frameSize = SampleRate * frameSizeMs / 1000 // 960
)

// Compile-time interface assertion.
var _ audio.Decoder = (*Decoder)(nil)

// Decoder decodes Opus packets into interleaved little-endian int16 PCM at
// 48 kHz stereo. Each participant stream needs its own Decoder because the
// codec keeps inter-frame state.
type Decoder struct {
	mu     sync.Mutex
	dec    *gopus.Decoder
	closed bool
}

// NewDecoder creates a Decoder configured for platform voice audio.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode implements [audio.Decoder]. Empty frames return an error so the
// pipeline can drop them and continue.
func (d *Decoder) Decode(frame audio.OpusFrame) (audio.PCMChunk, error) {
	if len(frame.Data) == 0 {
		return audio.PCMChunk{}, errors.New("opus: empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.PCMChunk{}, errors.New("opus: decoder is closed")
	}

	pcm, err := d.dec.Decode(frame.Data, frameSize, false)
	if err != nil {
		return audio.PCMChunk{}, fmt.Errorf("opus: decode: %w", err)
	}

	return audio.PCMChunk{
		Data:       int16sToBytes(pcm),
		SampleRate: SampleRate,
		Channels:   Channels,
		Timestamp:  frame.Timestamp,
	}, nil
}

// Close implements [audio.Decoder]. Safe to call more than once.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
