package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxscribe/voxscribe/internal/session"
	"github.com/voxscribe/voxscribe/pkg/audio"
	audiomock "github.com/voxscribe/voxscribe/pkg/audio/mock"
	"github.com/voxscribe/voxscribe/pkg/recognizer"
	recmock "github.com/voxscribe/voxscribe/pkg/recognizer/mock"
)

// stubDecoder decodes every frame into a fixed mono chunk.
type stubDecoder struct {
	mu         sync.Mutex
	closeCalls int
}

func (d *stubDecoder) Decode(frame audio.OpusFrame) (audio.PCMChunk, error) {
	if len(frame.Data) == 0 {
		return audio.PCMChunk{}, errors.New("stub: empty frame")
	}
	pcm := make([]byte, 320*2)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = frame.Data[0]
		pcm[i+1] = 0x20
	}
	return audio.PCMChunk{Data: pcm, SampleRate: 16000, Channels: 1}, nil
}

func (d *stubDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

// recordSink captures every emitted event.
type recordSink struct {
	mu          sync.Mutex
	transcripts []TranscriptEvent
	activities  []ActivityEvent
	warnings    []SilenceWarningEvent
	voiceErrs   []ErrorEvent
	recErrs     []RecognitionErrorEvent
	timeouts    []TimeoutEvent
	stops       []StopEvent
}

func (r *recordSink) Transcript(ev TranscriptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, ev)
}

func (r *recordSink) Activity(ev ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, ev)
}

func (r *recordSink) SilenceWarning(ev SilenceWarningEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, ev)
}

func (r *recordSink) VoiceError(ev ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voiceErrs = append(r.voiceErrs, ev)
}

func (r *recordSink) RecognitionError(ev RecognitionErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recErrs = append(r.recErrs, ev)
}

func (r *recordSink) SessionTimeout(ev TimeoutEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, ev)
}

func (r *recordSink) ListeningStop(ev StopEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, ev)
}

func (r *recordSink) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stops)
}

func (r *recordSink) transcriptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transcripts)
}

func (r *recordSink) warningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warnings)
}

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

type testEnv struct {
	svc  *Service
	plat *audiomock.Platform
	conn *audiomock.Connection
	prov *recmock.Provider
	sink *recordSink
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	conn := &audiomock.Connection{Channel: "chan-1"}
	plat := &audiomock.Platform{ConnectResult: conn}
	prov := &recmock.Provider{}
	sink := &recordSink{}

	cfg := Config{
		Platform:       plat,
		Provider:       prov,
		Sink:           sink,
		ConnectTimeout: 100 * time.Millisecond,
		RestartDelay:   5 * time.Millisecond,
		PollInterval:   time.Hour,
		NewDecoder:     func() (audio.Decoder, error) { return &stubDecoder{}, nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{svc: svc, plat: plat, conn: conn, prov: prov, sink: sink}
}

func TestStartListening(t *testing.T) {
	env := newTestEnv(t, nil)
	defer env.svc.Shutdown()

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	if got := env.svc.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}
	if len(env.plat.ConnectCalls) != 1 {
		t.Errorf("Connect calls = %d, want 1", len(env.plat.ConnectCalls))
	}
	if len(env.conn.SubscribeCalls) != 1 || env.conn.SubscribeCalls[0] != "u1" {
		t.Errorf("Subscribe calls = %v, want [u1]", env.conn.SubscribeCalls)
	}
	if env.prov.StartCount() != 1 {
		t.Errorf("StartStream calls = %d, want 1", env.prov.StartCount())
	}
}

func TestStartListeningConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	defer env.svc.Shutdown()

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1")
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("second StartListening err = %v, want ErrSessionConflict", err)
	}
	// The first session is untouched.
	if got := env.svc.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}
	if env.prov.StartCount() != 1 {
		t.Errorf("StartStream calls = %d, want 1 (conflict must not create resources)", env.prov.StartCount())
	}
}

func TestStartListeningConnectionTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ConnectTimeout = 20 * time.Millisecond
	})
	env.plat.BlockUntilCancel = true

	err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1")
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("err = %v, want ErrConnectionTimeout", err)
	}
	if env.svc.ActiveSessions() != 0 {
		t.Error("session registered despite connection timeout")
	}
}

func TestStartListeningSubscribeFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.SubscribeError = errors.New("no voice state")

	err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1")
	if err == nil {
		t.Fatal("StartListening succeeded, want error")
	}
	if env.svc.ActiveSessions() != 0 {
		t.Error("session registered despite subscribe failure")
	}
	// The connection this session created must be released again.
	if env.conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1 (rollback)", env.conn.CallCountDisconnect)
	}
}

func TestStartListeningRecognizerFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.prov.StartErrors = []error{errors.New("bad credentials")}

	err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1")
	if err == nil {
		t.Fatal("StartListening succeeded, want error")
	}
	if env.svc.ActiveSessions() != 0 {
		t.Error("session registered despite recognizer failure")
	}
	if len(env.conn.UnsubscribeCalls) == 0 {
		t.Error("frame subscription not rolled back")
	}
	if env.conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1 (rollback)", env.conn.CallCountDisconnect)
	}
}

func TestStopListeningIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	env.svc.StopListening("u1")
	env.svc.StopListening("u1")
	env.svc.StopListening("ghost")

	if env.svc.ActiveSessions() != 0 {
		t.Error("session still registered")
	}
	if env.conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1", env.conn.CallCountDisconnect)
	}
	if got := env.sink.stopCount(); got != 1 {
		t.Errorf("listeningStop events = %d, want 1", got)
	}
}

func TestGuildConnectionShared(t *testing.T) {
	env := newTestEnv(t, nil)
	defer env.svc.Shutdown()

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening u1: %v", err)
	}
	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u2"); err != nil {
		t.Fatalf("StartListening u2: %v", err)
	}

	if len(env.plat.ConnectCalls) != 1 {
		t.Errorf("Connect calls = %d, want 1 (shared connection)", len(env.plat.ConnectCalls))
	}

	env.svc.StopListening("u1")
	if env.conn.CallCountDisconnect != 0 {
		t.Error("connection dropped while another session still uses it")
	}
	env.svc.StopListening("u2")
	if env.conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1 after last session", env.conn.CallCountDisconnect)
	}
}

func TestStartListeningChannelBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	defer env.svc.Shutdown()

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	err := env.svc.StartListening(context.Background(), "g1", "chan-2", "u2")
	if !errors.Is(err, ErrChannelBusy) {
		t.Fatalf("err = %v, want ErrChannelBusy", err)
	}
}

func TestConnectionLossStopsSessions(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u2"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	env.conn.EmitState(audio.ConnDisconnected)

	waitFor(t, time.Second, func() bool { return env.svc.ActiveSessions() == 0 }, "sessions cleaned after disconnect")
	waitFor(t, time.Second, func() bool { return env.sink.stopCount() == 2 }, "listeningStop for both users")

	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	if len(env.sink.voiceErrs) != 2 {
		t.Errorf("voiceError events = %d, want 2", len(env.sink.voiceErrs))
	}
}

func TestTranscriptFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	defer env.svc.Shutdown()

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	backend := env.prov.Sessions[0]
	backend.PushResult(recognizer.Result{Text: "hello world", IsFinal: true, Confidence: 0.92})

	waitFor(t, time.Second, func() bool { return env.sink.transcriptCount() == 1 }, "transcript emitted")

	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	ev := env.sink.transcripts[0]
	if ev.UserID != "u1" || ev.Text != "hello world" || !ev.IsFinal {
		t.Errorf("transcript = %+v, want final hello world for u1", ev)
	}
}

func TestAudioForwardedToRecognizer(t *testing.T) {
	env := newTestEnv(t, nil)
	defer env.svc.Shutdown()

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	frames := env.conn.Frames["u1"]
	for range 3 {
		frames <- audio.OpusFrame{Data: []byte{0x50}}
	}

	backend := env.prov.Sessions[0]
	waitFor(t, time.Second, func() bool { return len(backend.WrittenChunks()) == 3 }, "audio forwarded")
}

func TestFatalRecognitionErrorTearsDownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	backend := env.prov.Sessions[0]
	backend.PushCancel(recognizer.CancelEvent{Transient: false, Err: errors.New("quota exceeded")})

	waitFor(t, time.Second, func() bool { return env.svc.ActiveSessions() == 0 }, "session torn down")

	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	if len(env.sink.recErrs) != 1 || !env.sink.recErrs[0].Fatal {
		t.Errorf("recognitionError events = %+v, want one fatal", env.sink.recErrs)
	}
}

func TestInitialSilenceWarning(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.VAD.SilenceWarningWindow = 30 * time.Millisecond
	})
	defer env.svc.Shutdown()

	// No frames ever arrive; the warning must fire anyway.
	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	waitFor(t, time.Second, func() bool { return env.sink.warningCount() == 1 }, "silence warning for a frameless stream")

	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	ev := env.sink.warnings[0]
	if ev.UserID != "u1" || ev.Duration != 30*time.Millisecond {
		t.Errorf("silenceWarning = %+v, want u1 after 30ms", ev)
	}
	if env.svc.ActiveSessions() != 1 {
		t.Error("session torn down by silence warning, want it kept")
	}
}

func TestFirstFrameDisarmsInitialSilenceWarning(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.VAD.SilenceWarningWindow = 50 * time.Millisecond
	})
	defer env.svc.Shutdown()

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	env.conn.Frames["u1"] <- audio.OpusFrame{Data: []byte{0x50}}

	time.Sleep(80 * time.Millisecond)
	if got := env.sink.warningCount(); got != 0 {
		t.Errorf("silenceWarning events = %d, want 0 once frames flow", got)
	}
}

func TestIdleSweepEmitsTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.IdleTimeout = 30 * time.Millisecond
		cfg.SweepInterval = 10 * time.Millisecond
	})

	if err := env.svc.StartListening(context.Background(), "g1", "chan-1", "u1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.svc.RunSweep(ctx)

	waitFor(t, time.Second, func() bool { return env.svc.ActiveSessions() == 0 }, "idle session expired")

	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	if len(env.sink.timeouts) != 1 || env.sink.timeouts[0].UserID != "u1" {
		t.Errorf("sessionTimeout events = %+v, want one for u1", env.sink.timeouts)
	}
	if len(env.sink.stops) != 1 {
		t.Errorf("listeningStop events = %d, want 1", len(env.sink.stops))
	}
}

// Verify the session package sentinel flows through unchanged.
func TestConflictSentinelIdentity(t *testing.T) {
	if !errors.Is(ErrSessionConflict, session.ErrSessionConflict) {
		t.Fatal("ErrSessionConflict must alias the registry sentinel")
	}
}
