package audio

import "math"

// Filter applies noise-gate and peak-normalization filtering to mono int16
// PCM before it is handed to the recognizer. Create one per stream; the
// gain smoothing carries state between chunks.
type Filter struct {
	// GateThresholdDB mutes samples while the chunk's peak stays below this
	// dBFS level. Zero disables the gate.
	GateThresholdDB float64

	// NormalizeTargetDB is the peak level chunks are scaled towards. Zero
	// disables normalization. Gain is capped at MaxGain and smoothed across
	// chunks so quiet speech is boosted without pumping artifacts.
	NormalizeTargetDB float64

	// MaxGain caps the normalization gain factor. Defaults to 4 when zero.
	MaxGain float64

	gain float64 // smoothed gain carried between chunks
}

// gainSmoothing is the per-chunk exponential smoothing factor for the
// normalization gain.
const gainSmoothing = 0.2

// Apply filters pcm in place and returns it. The input must be little-endian
// int16 samples.
func (f *Filter) Apply(pcm []byte) []byte {
	if len(pcm) < 2 {
		return pcm
	}

	peak := peakDB(pcm)

	if f.GateThresholdDB != 0 && peak < f.GateThresholdDB {
		for i := range pcm {
			pcm[i] = 0
		}
		return pcm
	}

	if f.NormalizeTargetDB == 0 {
		return pcm
	}

	maxGain := f.MaxGain
	if maxGain <= 0 {
		maxGain = 4
	}

	// Boost-only: quiet chunks are lifted towards the target, loud chunks
	// pass through unchanged.
	wanted := math.Pow(10, (f.NormalizeTargetDB-peak)/20)
	if wanted > maxGain {
		wanted = maxGain
	}
	if wanted < 1 {
		wanted = 1
	}

	if f.gain == 0 {
		f.gain = 1
	}
	f.gain += (wanted - f.gain) * gainSmoothing

	if f.gain == 1 {
		return pcm
	}

	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		s *= f.gain
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		v := int16(s)
		pcm[i] = byte(v)
		pcm[i+1] = byte(v >> 8)
	}
	return pcm
}

// peakDB returns the peak sample level of little-endian int16 PCM in dBFS.
// Silence returns -100.
func peakDB(pcm []byte) float64 {
	var peak int32
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(pcm[i]) | int16(pcm[i+1])<<8)
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return -100
	}
	return 20 * math.Log10(float64(peak)/32767)
}
