package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxscribe/voxscribe/internal/observe"
	"github.com/voxscribe/voxscribe/internal/pipeline"
	"github.com/voxscribe/voxscribe/internal/session"
	"github.com/voxscribe/voxscribe/internal/vad"
	"github.com/voxscribe/voxscribe/pkg/audio"
	"github.com/voxscribe/voxscribe/pkg/audio/opus"
	"github.com/voxscribe/voxscribe/pkg/recognizer"
)

// ErrConnectionTimeout is returned by StartListening when the voice-channel
// connection does not reach a ready state within the configured timeout.
var ErrConnectionTimeout = errors.New("voice connection timed out")

// ErrChannelBusy is returned when the guild's voice connection is already
// bound to a different channel.
var ErrChannelBusy = errors.New("voice connection busy in another channel")

// ErrSessionConflict mirrors the session registry's conflict sentinel so
// callers can match on either package.
var ErrSessionConflict = session.ErrSessionConflict

// Config assembles a [Service]. Platform and Provider are required.
type Config struct {
	// Platform joins voice channels and yields per-user frame streams.
	Platform audio.Platform

	// Provider opens recognition backend streams.
	Provider recognizer.Provider

	// Sink receives all domain events. Defaults to [NopSink].
	Sink Sink

	// Target is the PCM format handed to the recognizer.
	// Default: 16 kHz mono.
	Target audio.Format

	// Language and Keywords configure the backend stream.
	Language string
	Keywords []recognizer.KeywordBoost

	// VAD tunes the per-user voice-activity detector. Zero values are
	// replaced with the package defaults below.
	VAD vad.Config

	// Filter, when non-nil, describes the noise gate / normalization
	// settings applied per stream. The struct is copied per session so
	// gain state is never shared.
	Filter *audio.Filter

	// ConnectTimeout bounds the voice-channel ready wait. Default: 30s.
	ConnectTimeout time.Duration

	// ConfidenceThreshold, RestartDelay, MaxRestartFailures, and
	// PollInterval are passed through to each recognition session.
	ConfidenceThreshold float64
	RestartDelay        time.Duration
	MaxRestartFailures  int
	PollInterval        time.Duration

	// IdleTimeout, SweepInterval, and TeardownTimeout tune the session
	// registry.
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	TeardownTimeout time.Duration

	// NewDecoder builds one frame decoder per session.
	// Default: the Opus decoder.
	NewDecoder func() (audio.Decoder, error)

	// Metrics is optional; nil disables instrumentation.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// defaultVADConfig absorbs typical Discord microphone noise. All values are
// overridable through [Config.VAD].
var defaultVADConfig = vad.Config{
	VoiceThreshold:        -35,
	VoiceReleaseThreshold: -40,
	SilenceThreshold:      -45,
	MinVoiceDuration:      150 * time.Millisecond,
	SilenceDuration:       800 * time.Millisecond,
	ActivityInterval:      2 * time.Second,
	SilenceWarningWindow:  30 * time.Second,
}

// guildConn is one guild's voice connection shared by all of that guild's
// sessions, reference-counted so it is torn down with the last one.
type guildConn struct {
	conn  audio.Connection
	chID  string
	refs  int
	users map[string]struct{}
}

// Service is the capture facade: it owns the session registry and the
// per-guild voice connections, and wires every cross-component subscription.
type Service struct {
	platform audio.Platform
	provider recognizer.Provider
	sink     Sink
	target   audio.Format
	language string
	keywords []recognizer.KeywordBoost
	vadCfg   vad.Config
	filter   *audio.Filter

	connectTimeout time.Duration
	confidence     float64
	restartDelay   time.Duration
	maxRestarts    int
	pollInterval   time.Duration

	newDecoder func() (audio.Decoder, error)
	metrics    *observe.Metrics
	log        *slog.Logger

	manager *session.Manager

	mu    sync.Mutex
	conns map[string]*guildConn // guildID → shared connection
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Platform == nil {
		return nil, errors.New("voice: platform must not be nil")
	}
	if cfg.Provider == nil {
		return nil, errors.New("voice: recognition provider must not be nil")
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Target == (audio.Format{}) {
		cfg.Target = audio.Format{SampleRate: 16000, Channels: 1}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = func() (audio.Decoder, error) { return opus.NewDecoder() }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	// Per-field merge so a config that only tunes, say, the silence window
	// keeps the default thresholds.
	vadCfg := defaultVADConfig
	if cfg.VAD.VoiceThreshold != 0 {
		vadCfg.VoiceThreshold = cfg.VAD.VoiceThreshold
	}
	if cfg.VAD.VoiceReleaseThreshold != 0 {
		vadCfg.VoiceReleaseThreshold = cfg.VAD.VoiceReleaseThreshold
	}
	if cfg.VAD.SilenceThreshold != 0 {
		vadCfg.SilenceThreshold = cfg.VAD.SilenceThreshold
	}
	if cfg.VAD.MinVoiceDuration != 0 {
		vadCfg.MinVoiceDuration = cfg.VAD.MinVoiceDuration
	}
	if cfg.VAD.SilenceDuration != 0 {
		vadCfg.SilenceDuration = cfg.VAD.SilenceDuration
	}
	if cfg.VAD.ActivityInterval != 0 {
		vadCfg.ActivityInterval = cfg.VAD.ActivityInterval
	}
	if cfg.VAD.SilenceWarningWindow != 0 {
		vadCfg.SilenceWarningWindow = cfg.VAD.SilenceWarningWindow
	}
	if err := vadCfg.Validate(); err != nil {
		return nil, fmt.Errorf("voice: %w", err)
	}

	s := &Service{
		platform:       cfg.Platform,
		provider:       cfg.Provider,
		sink:           cfg.Sink,
		target:         cfg.Target,
		language:       cfg.Language,
		keywords:       cfg.Keywords,
		vadCfg:         vadCfg,
		filter:         cfg.Filter,
		connectTimeout: cfg.ConnectTimeout,
		confidence:     cfg.ConfidenceThreshold,
		restartDelay:   cfg.RestartDelay,
		maxRestarts:    cfg.MaxRestartFailures,
		pollInterval:   cfg.PollInterval,
		newDecoder:     cfg.NewDecoder,
		metrics:        cfg.Metrics,
		log:            log,
		conns:          make(map[string]*guildConn),
	}
	s.manager = session.NewManager(session.ManagerConfig{
		IdleTimeout:     cfg.IdleTimeout,
		SweepInterval:   cfg.SweepInterval,
		TeardownTimeout: cfg.TeardownTimeout,
		OnTimeout: func(userID string) {
			s.sink.SessionTimeout(TimeoutEvent{UserID: userID})
		},
		OnCleaned: func(userID string) {
			if s.metrics != nil {
				s.metrics.ActiveSessions.Add(context.Background(), -1)
			}
			s.sink.ListeningStop(StopEvent{UserID: userID})
		},
		Logger: log,
	})
	return s, nil
}

// ActiveSessions returns the number of live listening sessions.
func (s *Service) ActiveSessions() int {
	return s.manager.Len()
}

// IsListening reports whether the user has a live listening session.
func (s *Service) IsListening(userID string) bool {
	return s.manager.InSession(userID)
}

// RunSweep runs the registry's idle sweep until ctx is canceled.
func (s *Service) RunSweep(ctx context.Context) {
	s.manager.StartSweep(ctx)
}

// Shutdown tears down every live session.
func (s *Service) Shutdown() {
	s.manager.CleanupAll()
}

// StartListening joins the channel (or reuses the guild's existing
// connection), builds the user's pipeline and recognition session, and
// registers everything with the session registry. On any failure all
// partially-created resources are released before the error returns.
func (s *Service) StartListening(ctx context.Context, guildID, channelID, userID string) (err error) {
	ctx, span := observe.StartSpan(ctx, "voice.start_listening")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if s.manager.InSession(userID) {
		return fmt.Errorf("voice: %w: user %s", session.ErrSessionConflict, userID)
	}

	conn, err := s.acquireConn(ctx, guildID, channelID, userID)
	if err != nil {
		return err
	}
	// rollback unwinds partial setup in reverse order.
	var rollback []func()
	defer func() {
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
	}()
	rollback = append(rollback, func() { s.releaseConn(guildID, userID) })

	frames, err := conn.Subscribe(userID)
	if err != nil {
		return fmt.Errorf("voice: subscribe to user audio: %w", err)
	}
	rollback = append(rollback, func() { conn.Unsubscribe(userID) })

	dec, err := s.newDecoder()
	if err != nil {
		return fmt.Errorf("voice: create decoder: %w", err)
	}
	rollback = append(rollback, func() { _ = dec.Close() })

	det, err := vad.New(s.vadCfg, time.Now())
	if err != nil {
		return fmt.Errorf("voice: %w", err)
	}

	rec, err := session.NewRecognition(session.RecognitionConfig{
		UserID:   userID,
		Provider: s.provider,
		Stream: recognizer.StreamConfig{
			SampleRate:    s.target.SampleRate,
			BitsPerSample: 16,
			Channels:      s.target.Channels,
			Language:      s.language,
			Keywords:      s.keywords,
		},
		ConfidenceThreshold: s.confidence,
		RestartDelay:        s.restartDelay,
		MaxRestartFailures:  s.maxRestarts,
		PollInterval:        s.pollInterval,
		OnResult:            s.resultHandler(userID),
		OnError:             s.recognitionErrorHandler(userID),
		OnRestart: func() {
			if s.metrics != nil {
				s.metrics.RecognitionRestarts.Add(context.Background(), 1)
			}
		},
		Logger: s.log,
	})
	if err != nil {
		return fmt.Errorf("voice: %w", err)
	}
	if err := rec.Start(ctx); err != nil {
		return err
	}
	rollback = append(rollback, func() { _ = rec.Close() })

	var filter *audio.Filter
	if s.filter != nil {
		f := *s.filter
		filter = &f
	}

	// Discord only transmits while the user speaks, so a user who never
	// unmutes produces no frames at all and the detector never runs. A
	// one-shot timer covers that gap; the first frame disarms it and hands
	// silence tracking over to the detector.
	var silenceTimer *time.Timer
	if s.vadCfg.SilenceWarningWindow > 0 {
		window := s.vadCfg.SilenceWarningWindow
		silenceTimer = time.AfterFunc(window, func() {
			s.sink.SilenceWarning(SilenceWarningEvent{UserID: userID, Duration: window})
		})
		rollback = append(rollback, func() { silenceTimer.Stop() })
	}

	pipeCfg := pipeline.Config{
		Decoder:  dec,
		Target:   s.target,
		Filter:   filter,
		Detector: det,
		Sink:     rec.WriteAudio,
		OnEvent:  s.vadEventHandler(userID, rec),
		OnDrop: func() {
			if s.metrics != nil {
				s.metrics.DroppedChunks.Add(context.Background(), 1)
			}
		},
		Logger: s.log,
	}
	if silenceTimer != nil {
		pipeCfg.OnFirstFrame = func() { silenceTimer.Stop() }
	}
	pipe, err := pipeline.New(pipeCfg)
	if err != nil {
		return fmt.Errorf("voice: %w", err)
	}

	err = s.manager.Add(&session.Session{
		UserID:            userID,
		GuildID:           guildID,
		ChannelID:         channelID,
		Pipeline:          pipe,
		Recognition:       rec,
		ReleaseConnection: func() error {
			if silenceTimer != nil {
				silenceTimer.Stop()
			}
			s.releaseConn(guildID, userID)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("voice: %w: user %s", err, userID)
	}

	if err := pipe.Attach(frames); err != nil {
		s.manager.Cleanup(userID)
		rollback = nil // cleanup already released everything
		return fmt.Errorf("voice: %w", err)
	}

	// Setup is complete; the registry now owns every resource.
	rollback = rollback[:0]
	// The decoder and connection are torn down through the pipeline and the
	// session's release closure respectively.

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	s.log.Info("listening started",
		"user_id", userID,
		"guild_id", guildID,
		"channel_id", channelID)
	return nil
}

// StopListening tears down the user's session. Safe to call for a user with
// no session, and safe to call twice; both are no-ops.
func (s *Service) StopListening(userID string) {
	_, span := observe.StartSpan(context.Background(), "voice.stop_listening")
	defer span.End()

	start := time.Now()
	had := s.manager.InSession(userID)
	s.manager.Cleanup(userID)
	if had && s.metrics != nil {
		s.metrics.RecordTeardown(context.Background(), time.Since(start))
	}
}

// resultHandler forwards recognition results as transcript events and
// refreshes the session's idle clock.
func (s *Service) resultHandler(userID string) func(recognizer.Result) {
	return func(res recognizer.Result) {
		s.manager.UpdateActivity(userID)
		if s.metrics != nil {
			s.metrics.RecordTranscript(context.Background(), res.IsFinal)
		}
		s.sink.Transcript(TranscriptEvent{
			UserID:     userID,
			Text:       res.Text,
			IsFinal:    res.IsFinal,
			Confidence: res.Confidence,
			Timestamp:  time.Now(),
		})
	}
}

// recognitionErrorHandler surfaces recognition errors; a fatal one also
// tears the session down. Teardown runs on its own goroutine because the
// callback fires from the session's supervisor, which Stop must join.
func (s *Service) recognitionErrorHandler(userID string) func(error, bool) {
	return func(err error, fatal bool) {
		if s.metrics != nil {
			s.metrics.RecordRecognitionError(context.Background(), fatal)
		}
		s.sink.RecognitionError(RecognitionErrorEvent{UserID: userID, Err: err, Fatal: fatal})
		if fatal {
			go s.StopListening(userID)
		}
	}
}

// vadEventHandler converts detector events into domain events. An extended
// silence additionally nudges the recognizer: backends quietly wedge on
// long-idle streams, and a restart is cheaper than a dead session.
func (s *Service) vadEventHandler(userID string, rec *session.Recognition) pipeline.EventHandler {
	return func(ev vad.Event) {
		if s.metrics != nil {
			s.metrics.RecordVoiceEvent(context.Background(), ev.Type.String())
			if ev.Type != vad.EventSilenceWarning {
				s.metrics.AudioLevel.Record(context.Background(), ev.Level)
			}
		}
		switch ev.Type {
		case vad.EventVoiceStart:
			s.manager.UpdateActivity(userID)
			s.sink.Activity(ActivityEvent{UserID: userID, Kind: ActivityStart, Level: ev.Level, Timestamp: ev.Timestamp})
		case vad.EventVoiceActivity:
			s.manager.UpdateActivity(userID)
			s.sink.Activity(ActivityEvent{UserID: userID, Kind: ActivityOngoing, Level: ev.Level, Timestamp: ev.Timestamp})
		case vad.EventVoiceEnd:
			s.manager.UpdateActivity(userID)
			if s.metrics != nil {
				s.metrics.SpeechDuration.Record(context.Background(), ev.SpeakingDuration.Seconds())
			}
			s.sink.Activity(ActivityEvent{UserID: userID, Kind: ActivityEnd, Level: ev.Level, Timestamp: ev.Timestamp})
		case vad.EventSilenceWarning:
			s.sink.SilenceWarning(SilenceWarningEvent{UserID: userID, Duration: ev.SilenceDuration})
			rec.RequestRestart("extended silence")
		}
	}
}

// acquireConn returns the guild's shared voice connection, joining the
// channel if this is the guild's first session.
func (s *Service) acquireConn(ctx context.Context, guildID, channelID, userID string) (audio.Connection, error) {
	s.mu.Lock()
	if gc, ok := s.conns[guildID]; ok {
		if gc.chID != channelID {
			s.mu.Unlock()
			return nil, fmt.Errorf("voice: %w: connected to channel %s", ErrChannelBusy, gc.chID)
		}
		gc.refs++
		gc.users[userID] = struct{}{}
		conn := gc.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	conn, err := s.platform.Connect(connectCtx, guildID, channelID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("voice: %w: guild %s channel %s", ErrConnectionTimeout, guildID, channelID)
		}
		return nil, fmt.Errorf("voice: join channel: %w", err)
	}

	gc := &guildConn{
		conn:  conn,
		chID:  channelID,
		refs:  1,
		users: map[string]struct{}{userID: {}},
	}

	s.mu.Lock()
	if existing, ok := s.conns[guildID]; ok {
		// Lost the join race; piggyback on the winner.
		s.mu.Unlock()
		_ = conn.Disconnect()
		if existing.chID != channelID {
			return nil, fmt.Errorf("voice: %w: connected to channel %s", ErrChannelBusy, existing.chID)
		}
		s.mu.Lock()
		existing.refs++
		existing.users[userID] = struct{}{}
		c := existing.conn
		s.mu.Unlock()
		return c, nil
	}
	s.conns[guildID] = gc
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveConnections.Add(ctx, 1)
	}
	conn.OnStateChange(func(state audio.ConnState) {
		s.handleConnState(guildID, state)
	})
	return conn, nil
}

// releaseConn drops one session's reference on the guild connection and
// disconnects when the last one is gone.
func (s *Service) releaseConn(guildID, userID string) {
	s.mu.Lock()
	gc, ok := s.conns[guildID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, held := gc.users[userID]; !held {
		s.mu.Unlock()
		return
	}
	delete(gc.users, userID)
	gc.conn.Unsubscribe(userID)
	gc.refs--
	last := gc.refs <= 0
	if last {
		delete(s.conns, guildID)
	}
	conn := gc.conn
	s.mu.Unlock()

	if last {
		if err := conn.Disconnect(); err != nil {
			s.log.Warn("voice: disconnect failed", "guild_id", guildID, "err", err)
		}
		if s.metrics != nil {
			s.metrics.ActiveConnections.Add(context.Background(), -1)
		}
	}
}

// handleConnState reacts to platform connection transitions: a disconnect or
// destroy tears down every session riding that connection.
func (s *Service) handleConnState(guildID string, state audio.ConnState) {
	if state != audio.ConnDisconnected && state != audio.ConnDestroyed {
		return
	}
	s.mu.Lock()
	gc, ok := s.conns[guildID]
	var users []string
	if ok {
		for id := range gc.users {
			users = append(users, id)
		}
	}
	s.mu.Unlock()

	for _, id := range users {
		s.log.Warn("voice connection lost, stopping session",
			"guild_id", guildID,
			"user_id", id,
			"state", state)
		s.sink.VoiceError(ErrorEvent{
			UserID: id,
			Err:    fmt.Errorf("voice: connection %s", state),
		})
		go s.StopListening(id)
	}
}
