// Package session manages per-user recognition sessions: the restart state
// machine around one user's recognizer stream, and the registry that owns
// every live session's resources through an ordered teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxscribe/voxscribe/internal/resilience"
	"github.com/voxscribe/voxscribe/pkg/recognizer"
)

// RecognitionState is the position of a [Recognition] in its lifecycle.
type RecognitionState int

const (
	// RecognitionIdle: created, Start not yet called.
	RecognitionIdle RecognitionState = iota

	// RecognitionStarting: the backend stream is being established.
	RecognitionStarting

	// RecognitionActive: the stream is up and results are flowing.
	RecognitionActive

	// RecognitionRestarting: a stop-recreate-start cycle is in flight.
	RecognitionRestarting

	// RecognitionStopped is terminal; all subsequent operations are no-ops.
	RecognitionStopped
)

// String returns the human-readable name of the state.
func (s RecognitionState) String() string {
	switch s {
	case RecognitionIdle:
		return "idle"
	case RecognitionStarting:
		return "starting"
	case RecognitionActive:
		return "active"
	case RecognitionRestarting:
		return "restarting"
	case RecognitionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// maxUnknownPolls is how many consecutive Unknown status polls count as a
// silent failure worth restarting over.
const maxUnknownPolls = 5

// errStopped signals that a restart cycle was interrupted by Stop.
var errStopped = errors.New("recognition stopped")

// RecognitionConfig assembles a [Recognition]. Provider and UserID are
// required.
type RecognitionConfig struct {
	// UserID labels log lines and the restart breaker.
	UserID string

	// Provider opens backend streams.
	Provider recognizer.Provider

	// Stream is the backend stream configuration, reused on every restart.
	Stream recognizer.StreamConfig

	// ConfidenceThreshold gates final results: a final result reporting a
	// confidence below it is logged and dropped. Results with no reported
	// confidence (zero) always pass. Default: 0.6.
	ConfidenceThreshold float64

	// RestartDelay is the minimum spacing between restart cycles.
	// Default: 2s.
	RestartDelay time.Duration

	// MaxRestartFailures is how many consecutive failed restart cycles are
	// tolerated before the session fails fatally. Default: 3.
	MaxRestartFailures int

	// PollInterval spaces the connection-status polls that catch failures
	// the backend does not actively signal. Default: 2s.
	PollInterval time.Duration

	// OnResult receives every forwarded recognition result.
	OnResult func(recognizer.Result)

	// OnError receives recognition errors. fatal=true means the session is
	// dead and will produce nothing further.
	OnError func(err error, fatal bool)

	// OnRestart, when set, is called once per executed restart cycle.
	OnRestart func()

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Recognition drives one user's recognizer stream through the
// Idle → Starting → Active ⇄ Restarting → Stopped lifecycle. Restart
// triggers (transient cancellations, poll-detected disconnects, explicit
// requests) are coalesced: at most one restart cycle is in flight at a time.
type Recognition struct {
	userID     string
	provider   recognizer.Provider
	stream     recognizer.StreamConfig
	confidence float64
	delay      time.Duration
	poll       time.Duration
	onResult   func(recognizer.Result)
	onError    func(err error, fatal bool)
	onRestart  func()
	log        *slog.Logger
	breaker    *resilience.CircuitBreaker

	// restartReq is 1-buffered: a pending request absorbs all further
	// triggers until the supervisor picks it up.
	restartReq chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup

	mu          sync.Mutex
	state       RecognitionState
	cur         recognizer.Session
	lastRestart time.Time
}

// NewRecognition validates cfg and builds a Recognition in the Idle state.
func NewRecognition(cfg RecognitionConfig) (*Recognition, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider must not be nil")
	}
	if cfg.UserID == "" {
		return nil, errors.New("session: user ID must not be empty")
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.MaxRestartFailures <= 0 {
		cfg.MaxRestartFailures = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Recognition{
		userID:     cfg.UserID,
		provider:   cfg.Provider,
		stream:     cfg.Stream,
		confidence: cfg.ConfidenceThreshold,
		delay:      cfg.RestartDelay,
		poll:       cfg.PollInterval,
		onResult:   cfg.OnResult,
		onError:    cfg.OnError,
		onRestart:  cfg.OnRestart,
		log:        log.With("user_id", cfg.UserID),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:                   "recognition-restart/" + cfg.UserID,
			MaxConsecutiveFailures: cfg.MaxRestartFailures,
			Cooldown:               time.Hour, // exhaustion is fatal; no probing back
		}),
		restartReq: make(chan struct{}, 1),
		done:       make(chan struct{}),
		state:      RecognitionIdle,
	}, nil
}

// State returns the current lifecycle state.
func (r *Recognition) State() RecognitionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start opens the backend stream and launches the supervisor goroutine.
// Only valid in the Idle state.
func (r *Recognition) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != RecognitionIdle {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("session: cannot start recognition in state %s", st)
	}
	r.state = RecognitionStarting
	r.mu.Unlock()

	sess, err := r.provider.StartStream(ctx, r.stream)
	if err != nil {
		r.mu.Lock()
		r.state = RecognitionStopped
		r.mu.Unlock()
		return fmt.Errorf("session: start recognition stream: %w", err)
	}

	r.mu.Lock()
	r.cur = sess
	r.state = RecognitionActive
	r.mu.Unlock()
	r.log.Info("recognition started")

	r.wg.Add(1)
	go r.supervise(ctx, sess)
	return nil
}

// WriteAudio forwards a PCM chunk to the live backend stream. Chunks arriving
// while the session is starting, restarting, or stopped are dropped; audio
// loss during a restart window is expected and preferable to blocking the
// pipeline.
func (r *Recognition) WriteAudio(pcm []byte) error {
	r.mu.Lock()
	sess := r.cur
	active := r.state == RecognitionActive
	r.mu.Unlock()
	if !active || sess == nil {
		return nil
	}
	return sess.WriteAudio(pcm)
}

// RequestRestart asks the supervisor to run a restart cycle. Requests made
// while one is already pending or in flight are coalesced into it.
func (r *Recognition) RequestRestart(reason string) {
	select {
	case r.restartReq <- struct{}{}:
		r.log.Info("recognition restart requested", "reason", reason)
	default:
		r.log.Debug("recognition restart already pending", "reason", reason)
	}
}

// Stop halts the state machine: the supervisor exits, no further restarts or
// results are processed. The backend handles stay open until Close. Safe to
// call more than once and from any state.
func (r *Recognition) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.mu.Lock()
		r.state = RecognitionStopped
		r.mu.Unlock()
		r.log.Debug("recognition stopped")
	})
}

// Close stops the state machine and releases the backend stream (recognizer
// handle and push-stream). Safe to call more than once.
func (r *Recognition) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.Stop()
		r.mu.Lock()
		sess := r.cur
		r.cur = nil
		r.mu.Unlock()
		if sess != nil {
			err = sess.Close()
		}
	})
	return err
}

// supervise is the per-session control loop: it forwards results, classifies
// cancellations, polls connection status, and executes coalesced restarts.
func (r *Recognition) supervise(ctx context.Context, sess recognizer.Session) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	results := sess.Results()
	canceled := sess.Canceled()
	unknownPolls := 0

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return

		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			r.forward(res)

		case ev, ok := <-canceled:
			if !ok {
				canceled = nil
				continue
			}
			if ev.Transient {
				r.log.Warn("recognition canceled, transient", "err", ev.Err)
				r.RequestRestart("transient cancellation")
				continue
			}
			r.fatal(fmt.Errorf("session: backend error: %w", ev.Err))
			return

		case <-r.restartReq:
			next, err := r.restart(ctx, sess)
			if err != nil {
				if !errors.Is(err, errStopped) {
					r.fatal(err)
				}
				return
			}
			sess = next
			results = sess.Results()
			canceled = sess.Canceled()
			unknownPolls = 0
			// Triggers that queued up while the restart was in flight were
			// aimed at the session that was just replaced; drop them.
			select {
			case <-r.restartReq:
			default:
			}

		case <-ticker.C:
			switch sess.ConnectionStatus() {
			case recognizer.StatusDisconnected:
				unknownPolls = 0
				r.RequestRestart("status poll: disconnected")
			case recognizer.StatusUnknown:
				unknownPolls++
				if unknownPolls >= maxUnknownPolls {
					unknownPolls = 0
					r.RequestRestart("status poll: stuck in unknown")
				}
			default:
				unknownPolls = 0
			}
		}
	}
}

// restart runs stop-recreate-start cycles until one succeeds or the failure
// budget is exhausted. The minimum inter-restart delay is enforced before
// every attempt to avoid restart storms.
func (r *Recognition) restart(ctx context.Context, old recognizer.Session) (recognizer.Session, error) {
	r.setState(RecognitionRestarting)

	if old != nil {
		_ = old.Close()
	}
	r.mu.Lock()
	r.cur = nil
	r.mu.Unlock()

	for {
		r.mu.Lock()
		wait := r.delay - time.Since(r.lastRestart)
		r.mu.Unlock()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-r.done:
				timer.Stop()
				return nil, errStopped
			case <-ctx.Done():
				timer.Stop()
				return nil, errStopped
			}
		}

		var next recognizer.Session
		err := r.breaker.Execute(func() error {
			s, serr := r.provider.StartStream(ctx, r.stream)
			if serr != nil {
				return serr
			}
			next = s
			return nil
		})

		r.mu.Lock()
		r.lastRestart = time.Now()
		r.mu.Unlock()

		if err == nil {
			r.mu.Lock()
			r.cur = next
			r.state = RecognitionActive
			r.mu.Unlock()
			if r.onRestart != nil {
				r.onRestart()
			}
			r.log.Info("recognition restarted")
			return next, nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("session: restart budget exhausted: %w", err)
		}
		r.log.Warn("recognition restart attempt failed", "err", err)

		select {
		case <-r.done:
			return nil, errStopped
		case <-ctx.Done():
			return nil, errStopped
		default:
		}
	}
}

// forward applies the confidence gate and hands the result to the caller.
func (r *Recognition) forward(res recognizer.Result) {
	if res.IsFinal && res.Confidence > 0 && res.Confidence < r.confidence {
		r.log.Debug("dropping low-confidence result",
			"confidence", res.Confidence,
			"threshold", r.confidence)
		return
	}
	if r.onResult != nil {
		r.onResult(res)
	}
}

// fatal marks the session dead and surfaces one terminal error.
func (r *Recognition) fatal(err error) {
	r.mu.Lock()
	r.state = RecognitionStopped
	r.mu.Unlock()
	r.log.Error("recognition failed fatally", "err", err)
	if r.onError != nil {
		r.onError(err, true)
	}
}

func (r *Recognition) setState(s RecognitionState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
