// Package vad implements a hysteresis voice-activity detector.
//
// The detector consumes a stream of per-chunk decibel levels and infers
// speech boundaries through a four-state machine (Silent → RisingEdge →
// Speaking → FallingEdge → Silent). Three independently tunable thresholds
// (enter, release, sustain-silence) plus minimum-duration debouncing absorb
// microphone noise and short pauses within a sentence without fragmenting a
// single utterance into spurious start/end pairs.
//
// A Detector holds per-stream state and is not safe for concurrent use;
// create one per audio stream and drive it from that stream's pipeline
// goroutine.
package vad

import (
	"fmt"
	"time"
)

// State is the detector's position in the hysteresis machine.
type State int

const (
	// StateSilent: no speech; waiting for the level to cross the voice
	// threshold.
	StateSilent State = iota

	// StateRisingEdge: level crossed the voice threshold; waiting for it to
	// hold long enough to count as real speech.
	StateRisingEdge

	// StateSpeaking: a voiceStart has been emitted and not yet closed.
	StateSpeaking

	// StateFallingEdge: level dropped below the release threshold; waiting
	// for sustained silence before closing the utterance.
	StateFallingEdge
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateSilent:
		return "silent"
	case StateRisingEdge:
		return "rising"
	case StateSpeaking:
		return "speaking"
	case StateFallingEdge:
		return "falling"
	default:
		return "unknown"
	}
}

// EventType classifies detector output events.
type EventType int

const (
	// EventVoiceStart is emitted once when sustained speech begins.
	EventVoiceStart EventType = iota

	// EventVoiceActivity is emitted periodically while speech continues.
	EventVoiceActivity

	// EventVoiceEnd is emitted once when sustained silence closes an
	// utterance. SpeakingDuration carries the measured length.
	EventVoiceEnd

	// EventSilenceWarning is emitted when silence extends past the warning
	// window. Informational; does not change state.
	EventSilenceWarning
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventVoiceStart:
		return "voice_start"
	case EventVoiceActivity:
		return "voice_activity"
	case EventVoiceEnd:
		return "voice_end"
	case EventSilenceWarning:
		return "silence_warning"
	default:
		return "unknown"
	}
}

// Event is a detector output.
type Event struct {
	// Type is the event kind.
	Type EventType

	// Level is the decibel level of the chunk that produced the event.
	Level float64

	// SpeakingDuration is set on EventVoiceEnd: the measured utterance
	// length from voice start to sustained-silence confirmation.
	SpeakingDuration time.Duration

	// SilenceDuration is set on EventSilenceWarning: how long the stream
	// has been silent.
	SilenceDuration time.Duration

	// Timestamp is when the event was produced.
	Timestamp time.Time
}

// Config holds the detector's tuning parameters. Levels are dBFS (negative;
// 0 is full scale).
type Config struct {
	// VoiceThreshold is the level at or above which the signal counts as
	// prospective speech (enter threshold).
	VoiceThreshold float64

	// VoiceReleaseThreshold ends the speaking hold when the level drops
	// below it. Must be strictly below VoiceThreshold; the gap between the
	// two is the hysteresis band that stops the detector chattering at the
	// boundary.
	VoiceReleaseThreshold float64

	// SilenceThreshold is the level at or below which the signal counts as
	// silence for end-of-utterance purposes. Must be at or below
	// VoiceReleaseThreshold.
	SilenceThreshold float64

	// MinVoiceDuration is how long the level must hold above
	// VoiceThreshold before voiceStart fires (debounce).
	MinVoiceDuration time.Duration

	// SilenceDuration is how long the level must hold at or below
	// SilenceThreshold before voiceEnd fires.
	SilenceDuration time.Duration

	// ActivityInterval spaces the periodic voiceActivity events emitted
	// while speaking. Zero disables them.
	ActivityInterval time.Duration

	// SilenceWarningWindow is the stretch of continuous silence after which
	// a silenceWarning fires (and re-fires each further window). Zero
	// disables warnings.
	SilenceWarningWindow time.Duration
}

// Validate reports whether the threshold ordering is coherent.
func (c Config) Validate() error {
	if c.VoiceReleaseThreshold >= c.VoiceThreshold {
		return fmt.Errorf("vad: voice_release_threshold (%.1f) must be below voice_threshold (%.1f)",
			c.VoiceReleaseThreshold, c.VoiceThreshold)
	}
	if c.SilenceThreshold > c.VoiceReleaseThreshold {
		return fmt.Errorf("vad: silence_threshold (%.1f) must not exceed voice_release_threshold (%.1f)",
			c.SilenceThreshold, c.VoiceReleaseThreshold)
	}
	if c.MinVoiceDuration <= 0 {
		return fmt.Errorf("vad: min_voice_duration must be positive")
	}
	if c.SilenceDuration <= 0 {
		return fmt.Errorf("vad: silence_duration must be positive")
	}
	return nil
}

// Detector is the per-stream hysteresis state machine.
type Detector struct {
	cfg Config

	state        State
	aboveSince   time.Time // RisingEdge: when the level first crossed VoiceThreshold
	belowSince   time.Time // FallingEdge: when the level last entered sustained silence
	speechStart  time.Time // when the current utterance began (voiceStart time base)
	lastSpeech   time.Time // last instant the stream was speaking (or detector creation)
	lastActivity time.Time // last periodic activity emission
	lastWarning  time.Time // last silence warning emission
}

// New creates a Detector. The config must pass [Config.Validate]; now seeds
// the silence clock so the warning window also covers streams that never
// produce audio at all.
func New(cfg Config, now time.Time) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:        cfg,
		state:      StateSilent,
		lastSpeech: now,
	}, nil
}

// State returns the detector's current state.
func (d *Detector) State() State {
	return d.state
}

// Speaking reports whether the detector currently considers the stream to be
// within an utterance (Speaking or FallingEdge).
func (d *Detector) Speaking() bool {
	return d.state == StateSpeaking || d.state == StateFallingEdge
}

// Reset returns the detector to Silent without emitting events. Use when the
// audio stream is interrupted or restarted so stale edge timing does not
// leak into the next segment.
func (d *Detector) Reset(now time.Time) {
	d.state = StateSilent
	d.aboveSince = time.Time{}
	d.belowSince = time.Time{}
	d.speechStart = time.Time{}
	d.lastSpeech = now
	d.lastActivity = time.Time{}
	d.lastWarning = time.Time{}
}

// Process advances the machine with one level sample and returns the events
// it produced, in order. Levels are dBFS; now must be monotonically
// non-decreasing across calls.
func (d *Detector) Process(level float64, now time.Time) []Event {
	var events []Event

	switch d.state {
	case StateSilent:
		if level >= d.cfg.VoiceThreshold {
			d.state = StateRisingEdge
			d.aboveSince = now
		}

	case StateRisingEdge:
		if level < d.cfg.VoiceThreshold {
			// Brief spike; debounce discards it without an event.
			d.state = StateSilent
			d.aboveSince = time.Time{}
			break
		}
		if now.Sub(d.aboveSince) >= d.cfg.MinVoiceDuration {
			d.state = StateSpeaking
			d.speechStart = d.aboveSince
			d.lastActivity = now
			events = append(events, Event{
				Type:      EventVoiceStart,
				Level:     level,
				Timestamp: now,
			})
		}

	case StateSpeaking:
		if level < d.cfg.VoiceReleaseThreshold {
			d.state = StateFallingEdge
			if level <= d.cfg.SilenceThreshold {
				d.belowSince = now
			} else {
				d.belowSince = time.Time{}
			}
			break
		}
		if d.cfg.ActivityInterval > 0 && now.Sub(d.lastActivity) >= d.cfg.ActivityInterval {
			d.lastActivity = now
			events = append(events, Event{
				Type:      EventVoiceActivity,
				Level:     level,
				Timestamp: now,
			})
		}

	case StateFallingEdge:
		if level > d.cfg.VoiceReleaseThreshold {
			// Not a real pause; resume without an event.
			d.state = StateSpeaking
			d.belowSince = time.Time{}
			break
		}
		if level <= d.cfg.SilenceThreshold {
			if d.belowSince.IsZero() {
				d.belowSince = now
			}
			if now.Sub(d.belowSince) >= d.cfg.SilenceDuration {
				d.state = StateSilent
				events = append(events, Event{
					Type:             EventVoiceEnd,
					Level:            level,
					SpeakingDuration: now.Sub(d.speechStart),
					Timestamp:        now,
				})
				d.aboveSince = time.Time{}
				d.belowSince = time.Time{}
				d.speechStart = time.Time{}
			}
		} else {
			// Between silence and release: the silence clock does not run.
			d.belowSince = time.Time{}
		}
	}

	// Track the last speaking instant and emit long-silence warnings.
	if d.state == StateSpeaking || d.state == StateRisingEdge {
		d.lastSpeech = now
		d.lastWarning = time.Time{}
	} else if d.cfg.SilenceWarningWindow > 0 {
		silence := now.Sub(d.lastSpeech)
		ref := d.lastSpeech
		if !d.lastWarning.IsZero() {
			ref = d.lastWarning
		}
		if silence >= d.cfg.SilenceWarningWindow && now.Sub(ref) >= d.cfg.SilenceWarningWindow {
			d.lastWarning = now
			events = append(events, Event{
				Type:            EventSilenceWarning,
				Level:           level,
				SilenceDuration: silence,
				Timestamp:       now,
			})
		}
	}

	return events
}
