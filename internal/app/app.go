// Package app wires all Voxscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes them until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithPlatform, WithRecognitionProvider, WithSink). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxscribe/voxscribe/internal/config"
	discordbot "github.com/voxscribe/voxscribe/internal/discord"
	"github.com/voxscribe/voxscribe/internal/health"
	"github.com/voxscribe/voxscribe/internal/observe"
	"github.com/voxscribe/voxscribe/internal/resilience"
	"github.com/voxscribe/voxscribe/internal/vad"
	"github.com/voxscribe/voxscribe/internal/voice"
	"github.com/voxscribe/voxscribe/pkg/audio"
	"github.com/voxscribe/voxscribe/pkg/recognizer"
	azurerec "github.com/voxscribe/voxscribe/pkg/recognizer/azure"
	deepgramrec "github.com/voxscribe/voxscribe/pkg/recognizer/deepgram"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	started time.Time

	bot      *discordbot.Bot
	notifier *discordbot.Notifier
	svc      *voice.Service
	server   *http.Server

	// Injected test doubles; nil means "build the real thing from config".
	platform audio.Platform
	provider recognizer.Provider
	sink     voice.Sink
	registry *prometheus.Registry

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPlatform injects an audio platform instead of connecting a Discord bot.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithRecognitionProvider injects a recognition provider instead of creating
// one from config.
func WithRecognitionProvider(p recognizer.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithSink injects an event sink instead of the transcript notifier.
func WithSink(s voice.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetricsRegistry injects a Prometheus registry instead of the global
// one, so repeated App construction in tests does not pile up collectors.
func WithMetricsRegistry(r *prometheus.Registry) Option {
	return func(a *App) { a.registry = r }
}

// New creates an App by wiring all subsystems together: observability,
// recognition provider, Discord bot, voice service, slash commands, and the
// HTTP sidecar for metrics and health probes.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, started: time.Now()}
	for _, o := range opts {
		o(a)
	}

	observeCfg := observe.ProviderConfig{}
	if a.registry != nil {
		observeCfg.Registerer = a.registry
	}
	shutdownObserve, err := observe.InitProvider(ctx, observeCfg)
	if err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownObserve(ctx)
	})

	if a.provider == nil {
		a.provider, err = buildProvider(cfg.Recognition)
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("app: build recognition provider: %w", err)
		}
	}

	if a.platform == nil {
		bot, err := discordbot.New(ctx, discordbot.Config{
			Token:   cfg.Discord.BotToken,
			GuildID: cfg.Discord.GuildID,
		})
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("app: connect discord: %w", err)
		}
		a.bot = bot
		a.platform = bot.Platform()
		a.closers = append(a.closers, bot.Close)
	}

	if a.sink == nil {
		if a.bot != nil && cfg.Discord.PostTranscripts {
			a.notifier = discordbot.NewNotifier(a.bot.Session(), slog.Default())
			a.sink = a.notifier
			a.closers = append(a.closers, func() error {
				a.notifier.Close()
				return nil
			})
		} else {
			a.sink = voice.NopSink{}
		}
	}

	a.svc, err = voice.New(voiceConfig(cfg, a.platform, a.provider, a.sink))
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("app: build voice service: %w", err)
	}

	if a.bot != nil {
		discordbot.NewListenCommands(a.bot, a.svc, a.notifier)
	}

	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(observe.DefaultMetrics())(a.buildMux()),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// Service returns the voice service. Exposed for tests and commands.
func (a *App) Service() *voice.Service {
	return a.svc
}

// closePartial unwinds the subsystems created so far when New fails midway.
func (a *App) closePartial() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("cleanup after failed init", "err", err)
		}
	}
}

// buildMux assembles the sidecar routes: Prometheus metrics plus liveness
// and readiness probes.
func (a *App) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	if a.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	var checkers []health.Checker
	if a.bot != nil {
		checkers = append(checkers, health.Checker{
			Name: "gateway",
			Check: func(context.Context) error {
				s := a.bot.Session()
				if s == nil || s.State == nil || s.State.User == nil {
					return errors.New("discord gateway not ready")
				}
				return nil
			},
		})
	}
	h := health.New(checkers...)
	h.SetDetails(func() map[string]any {
		return map[string]any{
			"uptime":          time.Since(a.started).Round(time.Second).String(),
			"active_sessions": a.svc.ActiveSessions(),
		}
	})
	h.Register(mux)
	return mux
}

// Run starts the bot interaction loop, the HTTP sidecar, and the idle sweep,
// blocking until ctx is cancelled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.bot != nil {
		g.Go(func() error {
			if err := a.bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("discord bot: %w", err)
			}
			return nil
		})
	}

	if a.server != nil {
		g.Go(func() error {
			slog.Info("http sidecar listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http sidecar: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		a.svc.RunSweep(ctx)
		return nil
	})

	return g.Wait()
}

// Shutdown tears down every live session and closes all subsystems in the
// order they were registered. Safe to call more than once.
func (a *App) Shutdown() error {
	var errs []error
	a.stopOnce.Do(func() {
		a.svc.Shutdown()
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// buildProvider constructs the configured recognition backend. When the other
// backend's credentials are also present it is registered as a fallback, so a
// misbehaving primary does not take transcription down with it.
func buildProvider(cfg config.RecognitionConfig) (recognizer.Provider, error) {
	var azure, deepgram recognizer.Provider
	var err error

	if cfg.Azure.SubscriptionKey != "" && cfg.Azure.Region != "" {
		azure, err = azurerec.New(cfg.Azure.SubscriptionKey, cfg.Azure.Region)
		if err != nil {
			return nil, fmt.Errorf("azure: %w", err)
		}
	}
	if cfg.Deepgram.APIKey != "" {
		opts := []deepgramrec.Option{}
		if cfg.Deepgram.Model != "" {
			opts = append(opts, deepgramrec.WithModel(cfg.Deepgram.Model))
		}
		deepgram, err = deepgramrec.New(cfg.Deepgram.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("deepgram: %w", err)
		}
	}

	var primary, secondary recognizer.Provider
	var primaryName, secondaryName string
	switch cfg.Provider {
	case config.ProviderAzure:
		primary, primaryName = azure, "azure"
		secondary, secondaryName = deepgram, "deepgram"
	case config.ProviderDeepgram:
		primary, primaryName = deepgram, "deepgram"
		secondary, secondaryName = azure, "azure"
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if primary == nil {
		return nil, fmt.Errorf("provider %q selected but not configured", cfg.Provider)
	}
	if secondary == nil {
		return primary, nil
	}

	fb := resilience.NewProviderFallback(primary, primaryName, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxConsecutiveFailures: 3,
			Cooldown:               time.Minute,
		},
	})
	fb.AddFallback(secondaryName, secondary)
	slog.Info("recognition fallback enabled", "primary", primaryName, "fallback", secondaryName)
	return fb, nil
}

// voiceConfig maps the flat YAML schema onto the voice service config,
// converting millisecond fields to durations. Zero values flow through so
// each component applies its own default.
func voiceConfig(cfg *config.Config, platform audio.Platform, provider recognizer.Provider, sink voice.Sink) voice.Config {
	keywords := make([]recognizer.KeywordBoost, 0, len(cfg.Recognition.Keywords))
	for _, kw := range cfg.Recognition.Keywords {
		keywords = append(keywords, recognizer.KeywordBoost{Keyword: kw.Keyword, Boost: kw.Boost})
	}

	var filter *audio.Filter
	if cfg.Audio.GateThresholdDB != 0 || cfg.Audio.NormalizeTargetDB != 0 {
		filter = &audio.Filter{
			GateThresholdDB:   cfg.Audio.GateThresholdDB,
			NormalizeTargetDB: cfg.Audio.NormalizeTargetDB,
			MaxGain:           cfg.Audio.MaxGain,
		}
	}

	return voice.Config{
		Platform: platform,
		Provider: provider,
		Sink:     sink,
		Target: audio.Format{
			SampleRate: cfg.Audio.TargetSampleRate,
			Channels:   cfg.Audio.TargetChannels,
		},
		Language:            cfg.Recognition.Language,
		Keywords:            keywords,
		VAD:                 vadConfig(cfg.VAD),
		Filter:              filter,
		ConnectTimeout:      msDur(cfg.Session.ConnectTimeoutMs),
		ConfidenceThreshold: cfg.Recognition.ConfidenceThreshold,
		RestartDelay:        msDur(cfg.Recognition.RestartDelayMs),
		MaxRestartFailures:  cfg.Recognition.MaxConsecutiveRestartFailures,
		PollInterval:        msDur(cfg.Recognition.PollIntervalMs),
		IdleTimeout:         msDur(cfg.Session.IdleTimeoutMs),
		SweepInterval:       msDur(cfg.Session.SweepIntervalMs),
		TeardownTimeout:     msDur(cfg.Session.TeardownTimeoutMs),
		Metrics:             observe.DefaultMetrics(),
	}
}

// vadConfig maps the YAML schema onto the detector config. Zero fields keep
// the voice service's defaults.
func vadConfig(cfg config.VADConfig) vad.Config {
	return vad.Config{
		VoiceThreshold:        cfg.VoiceThresholdDB,
		VoiceReleaseThreshold: cfg.VoiceReleaseThresholdDB,
		SilenceThreshold:      cfg.SilenceThresholdDB,
		MinVoiceDuration:      msDur(cfg.MinVoiceDurationMs),
		SilenceDuration:       msDur(cfg.SilenceDurationMs),
		ActivityInterval:      msDur(cfg.ActivityIntervalMs),
		SilenceWarningWindow:  msDur(cfg.SilenceWarningMs),
	}
}

// msDur converts a millisecond config field to a duration; zero stays zero.
func msDur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
