// Package pipeline runs the per-user audio chain: decode compressed frames,
// convert to the recognizer's target format, filter, meter the level, drive
// the voice-activity detector, and forward recognizer-ready PCM to a sink.
//
// One Pipeline instance serves exactly one user stream. Stages run in a
// single goroutine per pipeline so frame arrival order is preserved end to
// end; speech-boundary detection and transcript ordering depend on it.
package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxscribe/voxscribe/internal/vad"
	"github.com/voxscribe/voxscribe/pkg/audio"
)

// Sink receives recognizer-ready PCM chunks from the pipeline.
type Sink func(pcm []byte) error

// EventHandler receives voice-activity events from the pipeline's detector.
type EventHandler func(ev vad.Event)

// Config assembles a pipeline's stages. Decoder, Detector, and Sink are
// required; Filter and OnEvent are optional.
type Config struct {
	// Decoder turns compressed frames into native-rate PCM. The pipeline
	// takes ownership and closes it on Detach.
	Decoder audio.Decoder

	// Target is the output format the sink expects.
	Target audio.Format

	// Filter, when set, is applied to target-format PCM before metering
	// and forwarding.
	Filter *audio.Filter

	// Detector is the per-stream voice-activity state machine.
	Detector *vad.Detector

	// Sink receives every converted chunk. A sink error is reported through
	// OnEvent-independent logging and counted, but does not stop the
	// pipeline; the session layer decides whether the sink is gone for good.
	Sink Sink

	// OnEvent, when set, receives detector events synchronously from the
	// pipeline goroutine. Handlers must not block.
	OnEvent EventHandler

	// OnDrop, when set, is called once per dropped chunk (malformed frame
	// or decode failure).
	OnDrop func()

	// OnFirstFrame, when set, is called exactly once, before the first
	// frame is processed. The session layer uses it to tell silence from a
	// stream that never started.
	OnFirstFrame func()

	// Logger for stage-local warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline is a running per-user audio chain. Create with New, start with
// Attach, stop with Detach.
type Pipeline struct {
	dec     audio.Decoder
	conv    *audio.FormatConverter
	filter  *audio.Filter
	det     *vad.Detector
	sink    Sink
	onEvent EventHandler
	onDrop  func()
	onFirst func()
	log     *slog.Logger
	now     func() time.Time

	firstOnce sync.Once

	done       chan struct{}
	detachOnce sync.Once
	wg         sync.WaitGroup

	mu       sync.Mutex
	attached bool
	detached bool
}

// New validates cfg and builds a pipeline. It does not start consuming
// frames; call Attach with the frame stream.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Decoder == nil {
		return nil, errors.New("pipeline: decoder must not be nil")
	}
	if cfg.Detector == nil {
		return nil, errors.New("pipeline: detector must not be nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("pipeline: sink must not be nil")
	}
	if cfg.Target.SampleRate <= 0 || cfg.Target.Channels <= 0 {
		return nil, errors.New("pipeline: target format must have positive sample rate and channel count")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		dec:     cfg.Decoder,
		conv:    &audio.FormatConverter{Target: cfg.Target},
		filter:  cfg.Filter,
		det:     cfg.Detector,
		sink:    cfg.Sink,
		onEvent: cfg.OnEvent,
		onDrop:  cfg.OnDrop,
		onFirst: cfg.OnFirstFrame,
		log:     log,
		now:     now,
		done:    make(chan struct{}),
	}, nil
}

// Attach starts consuming frames in a new goroutine. It returns an error if
// the pipeline was already attached or detached. The goroutine exits when
// frames is closed or Detach is called.
func (p *Pipeline) Attach(frames <-chan audio.OpusFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return errors.New("pipeline: already detached")
	}
	if p.attached {
		return errors.New("pipeline: already attached")
	}
	p.attached = true

	p.wg.Add(1)
	go p.run(frames)
	return nil
}

// Detach stops the pipeline, waits for in-flight processing to finish, and
// closes the decoder. Idempotent: repeated calls are no-ops, and no chunk is
// forwarded to the sink after the first call returns.
func (p *Pipeline) Detach() {
	p.detachOnce.Do(func() {
		p.mu.Lock()
		p.detached = true
		p.mu.Unlock()

		close(p.done)
		p.wg.Wait()
		if err := p.dec.Close(); err != nil {
			p.log.Warn("pipeline: decoder close failed", "err", err)
		}
	})
}

// run is the pipeline goroutine: one frame through every stage, in order.
func (p *Pipeline) run(frames <-chan audio.OpusFrame) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.process(frame)
		}
	}
}

// process pushes one frame through decode, convert, filter, meter, VAD, and
// the sink. Malformed frames are dropped; a transient decode glitch never
// terminates the pipeline.
func (p *Pipeline) process(frame audio.OpusFrame) {
	if p.onFirst != nil {
		p.firstOnce.Do(p.onFirst)
	}

	chunk, err := p.dec.Decode(frame)
	if err != nil {
		p.drop()
		p.log.Debug("pipeline: dropping malformed frame", "err", err)
		return
	}

	chunk = p.conv.Convert(chunk)
	if len(chunk.Data) == 0 {
		p.drop()
		return
	}

	if p.filter != nil {
		chunk.Data = p.filter.Apply(chunk.Data)
	}

	level := LevelDB(chunk.Data)
	if p.onEvent != nil {
		for _, ev := range p.det.Process(level, p.now()) {
			p.onEvent(ev)
		}
	} else {
		p.det.Process(level, p.now())
	}

	if err := p.sink(chunk.Data); err != nil {
		p.log.Warn("pipeline: sink write failed", "err", err)
	}
}

func (p *Pipeline) drop() {
	if p.onDrop != nil {
		p.onDrop()
	}
}
