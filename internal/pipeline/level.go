package pipeline

import "math"

// silenceFloorDB is the level reported for empty or all-zero PCM.
const silenceFloorDB = -100

// LevelDB returns the RMS level of little-endian int16 PCM in dBFS.
// Silence (or input shorter than one sample) returns -100.
func LevelDB(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return silenceFloorDB
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(samples))
	if rms < 1 {
		return silenceFloorDB
	}
	db := 20 * math.Log10(rms/32767)
	if db < silenceFloorDB {
		return silenceFloorDB
	}
	return db
}
