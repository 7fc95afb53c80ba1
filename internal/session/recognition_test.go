package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxscribe/voxscribe/pkg/recognizer"
	recmock "github.com/voxscribe/voxscribe/pkg/recognizer/mock"
)

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// resultRecorder collects forwarded results.
type resultRecorder struct {
	mu      sync.Mutex
	results []recognizer.Result
}

func (rr *resultRecorder) record(r recognizer.Result) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.results = append(rr.results, r)
}

func (rr *resultRecorder) count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.results)
}

func (rr *resultRecorder) all() []recognizer.Result {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	out := make([]recognizer.Result, len(rr.results))
	copy(out, rr.results)
	return out
}

// errorRecorder collects surfaced errors.
type errorRecorder struct {
	mu     sync.Mutex
	errs   []error
	fatals int
}

func (er *errorRecorder) record(err error, fatal bool) {
	er.mu.Lock()
	defer er.mu.Unlock()
	er.errs = append(er.errs, err)
	if fatal {
		er.fatals++
	}
}

func (er *errorRecorder) fatalCount() int {
	er.mu.Lock()
	defer er.mu.Unlock()
	return er.fatals
}

func newTestRecognition(t *testing.T, cfg RecognitionConfig) *Recognition {
	t.Helper()
	if cfg.UserID == "" {
		cfg.UserID = "user-1"
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour // polls off unless a test enables them
	}
	r, err := NewRecognition(cfg)
	if err != nil {
		t.Fatalf("NewRecognition: %v", err)
	}
	return r
}

func TestRecognitionStartAndForward(t *testing.T) {
	sess := recmock.NewSession()
	prov := &recmock.Provider{Sessions: []*recmock.Session{sess}}
	rr := &resultRecorder{}
	r := newTestRecognition(t, RecognitionConfig{
		Provider: prov,
		OnResult: rr.record,
	})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.State(); got != RecognitionActive {
		t.Fatalf("state = %v, want active", got)
	}

	sess.PushResult(recognizer.Result{Text: "hello", IsFinal: false})
	sess.PushResult(recognizer.Result{Text: "hello there", IsFinal: true, Confidence: 0.9})
	waitFor(t, time.Second, func() bool { return rr.count() == 2 }, "results forwarded")
}

func TestRecognitionConfidenceGate(t *testing.T) {
	sess := recmock.NewSession()
	prov := &recmock.Provider{Sessions: []*recmock.Session{sess}}
	rr := &resultRecorder{}
	r := newTestRecognition(t, RecognitionConfig{
		Provider:            prov,
		ConfidenceThreshold: 0.6,
		OnResult:            rr.record,
	})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.PushResult(recognizer.Result{Text: "low", IsFinal: true, Confidence: 0.3})
	sess.PushResult(recognizer.Result{Text: "unreported", IsFinal: true, Confidence: 0})
	sess.PushResult(recognizer.Result{Text: "high", IsFinal: true, Confidence: 0.8})

	waitFor(t, time.Second, func() bool { return rr.count() == 2 }, "gated results forwarded")
	time.Sleep(20 * time.Millisecond)

	got := rr.all()
	if len(got) != 2 {
		t.Fatalf("forwarded %d results, want 2 (low-confidence dropped)", len(got))
	}
	if got[0].Text != "unreported" || got[1].Text != "high" {
		t.Errorf("forwarded texts = %q, %q; want unreported, high", got[0].Text, got[1].Text)
	}
}

func TestRecognitionTransientCancelRestarts(t *testing.T) {
	first := recmock.NewSession()
	prov := &recmock.Provider{Sessions: []*recmock.Session{first}}
	er := &errorRecorder{}
	var restarts atomic.Int32
	r := newTestRecognition(t, RecognitionConfig{
		Provider:  prov,
		OnError:   er.record,
		OnRestart: func() { restarts.Add(1) },
	})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first.PushCancel(recognizer.CancelEvent{Transient: true, Err: errors.New("conn dropped")})

	waitFor(t, time.Second, func() bool { return prov.StartCount() == 2 }, "restart executed")
	waitFor(t, time.Second, func() bool { return r.State() == RecognitionActive }, "active after restart")

	if restarts.Load() != 1 {
		t.Errorf("restart count = %d, want 1", restarts.Load())
	}
	if first.CallCountClose == 0 {
		t.Errorf("old session was not closed during restart")
	}
	if er.fatalCount() != 0 {
		t.Errorf("fatal errors surfaced = %d, want 0 (transient should self-heal)", er.fatalCount())
	}
}

func TestRecognitionFatalCancelStops(t *testing.T) {
	sess := recmock.NewSession()
	prov := &recmock.Provider{Sessions: []*recmock.Session{sess}}
	er := &errorRecorder{}
	r := newTestRecognition(t, RecognitionConfig{
		Provider: prov,
		OnError:  er.record,
	})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.PushCancel(recognizer.CancelEvent{Transient: false, Err: errors.New("quota exceeded")})

	waitFor(t, time.Second, func() bool { return er.fatalCount() == 1 }, "fatal error surfaced")
	waitFor(t, time.Second, func() bool { return r.State() == RecognitionStopped }, "stopped")
	if prov.StartCount() != 1 {
		t.Errorf("StartStream calls = %d, want 1 (no restart on fatal)", prov.StartCount())
	}
}

// gatedProvider blocks every StartStream call after the first until released,
// so tests can pile up restart triggers while one cycle is in flight.
type gatedProvider struct {
	inner *recmock.Provider
	gate  chan struct{}
	calls atomic.Int32
}

func (p *gatedProvider) StartStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.Session, error) {
	if p.calls.Add(1) > 1 {
		<-p.gate
	}
	return p.inner.StartStream(ctx, cfg)
}

func TestRecognitionRestartTriggersCoalesce(t *testing.T) {
	prov := &gatedProvider{inner: &recmock.Provider{}, gate: make(chan struct{})}
	var restarts atomic.Int32
	r := newTestRecognition(t, RecognitionConfig{
		Provider:  prov,
		OnRestart: func() { restarts.Add(1) },
	})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One trigger enters the restart cycle; the rest arrive while it is in
	// flight and must be absorbed by it.
	for range 5 {
		r.RequestRestart("test trigger")
	}
	waitFor(t, time.Second, func() bool { return r.State() == RecognitionRestarting }, "restart in flight")
	close(prov.gate)

	waitFor(t, time.Second, func() bool { return restarts.Load() == 1 }, "one restart executed")
	waitFor(t, time.Second, func() bool { return r.State() == RecognitionActive }, "active again")
	time.Sleep(30 * time.Millisecond)

	if got := restarts.Load(); got != 1 {
		t.Errorf("restart cycles = %d, want exactly 1", got)
	}
	if got := prov.inner.StartCount(); got != 2 {
		t.Errorf("StartStream calls = %d, want 2", got)
	}
}

func TestRecognitionUnknownStatusPollsForceRestart(t *testing.T) {
	sess := recmock.NewSession()
	sess.SetStatus(recognizer.StatusUnknown)
	prov := &recmock.Provider{Sessions: []*recmock.Session{sess}}
	var restarts atomic.Int32
	r := newTestRecognition(t, RecognitionConfig{
		Provider:     prov,
		PollInterval: 3 * time.Millisecond,
		OnRestart:    func() { restarts.Add(1) },
	})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Five consecutive Unknown polls must trigger exactly one restart; the
	// replacement session reports Connected, so no further cycles run.
	waitFor(t, time.Second, func() bool { return restarts.Load() == 1 }, "poll-driven restart")
	time.Sleep(50 * time.Millisecond)
	if got := restarts.Load(); got != 1 {
		t.Errorf("restart cycles = %d, want exactly 1", got)
	}
}

func TestRecognitionDisconnectedPollForcesRestart(t *testing.T) {
	sess := recmock.NewSession()
	sess.SetStatus(recognizer.StatusDisconnected)
	prov := &recmock.Provider{Sessions: []*recmock.Session{sess}}
	var restarts atomic.Int32
	r := newTestRecognition(t, RecognitionConfig{
		Provider:     prov,
		PollInterval: 3 * time.Millisecond,
		OnRestart:    func() { restarts.Add(1) },
	})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, time.Second, func() bool { return restarts.Load() >= 1 }, "poll-driven restart")
}

func TestRecognitionRestartBudgetExhaustion(t *testing.T) {
	// Initial start succeeds, then every restart attempt fails. With a
	// budget of 3 the breaker trips and the failure becomes fatal.
	prov := &recmock.Provider{
		StartErrors: []error{
			nil,
			errors.New("backend down"),
			errors.New("backend down"),
			errors.New("backend down"),
		},
	}
	er := &errorRecorder{}
	r := newTestRecognition(t, RecognitionConfig{
		Provider:           prov,
		RestartDelay:       time.Millisecond,
		MaxRestartFailures: 3,
		OnError:            er.record,
	})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.RequestRestart("test trigger")

	waitFor(t, 2*time.Second, func() bool { return er.fatalCount() == 1 }, "budget exhaustion is fatal")
	waitFor(t, time.Second, func() bool { return r.State() == RecognitionStopped }, "stopped")
	if got := prov.StartCount(); got != 4 {
		t.Errorf("StartStream calls = %d, want 4 (1 start + 3 failed restarts)", got)
	}
}

func TestRecognitionWriteAudio(t *testing.T) {
	sess := recmock.NewSession()
	prov := &recmock.Provider{Sessions: []*recmock.Session{sess}}
	r := newTestRecognition(t, RecognitionConfig{Provider: prov})

	// Before Start: dropped, not an error.
	if err := r.WriteAudio([]byte{1, 2}); err != nil {
		t.Fatalf("WriteAudio before start: %v", err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.WriteAudio([]byte{3, 4}); err != nil {
		t.Fatalf("WriteAudio while active: %v", err)
	}
	if got := len(sess.WrittenChunks()); got != 1 {
		t.Errorf("chunks written = %d, want 1 (pre-start chunk dropped)", got)
	}

	r.Stop()
	if err := r.WriteAudio([]byte{5, 6}); err != nil {
		t.Fatalf("WriteAudio after stop: %v", err)
	}
	if got := len(sess.WrittenChunks()); got != 1 {
		t.Errorf("chunks written after stop = %d, want 1", got)
	}
	_ = r.Close()
}

func TestRecognitionStopAndCloseIdempotent(t *testing.T) {
	sess := recmock.NewSession()
	prov := &recmock.Provider{Sessions: []*recmock.Session{sess}}
	r := newTestRecognition(t, RecognitionConfig{Provider: prov})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r.Stop()
	r.Stop()
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sess.CallCountClose != 1 {
		t.Errorf("session Close calls = %d, want 1", sess.CallCountClose)
	}
	if got := r.State(); got != RecognitionStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestRecognitionStartTwiceFails(t *testing.T) {
	prov := &recmock.Provider{}
	r := newTestRecognition(t, RecognitionConfig{Provider: prov})
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}
