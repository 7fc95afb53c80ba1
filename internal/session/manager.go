package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxscribe/voxscribe/internal/pipeline"
)

// ErrSessionConflict is returned by [Manager.Add] when the user already has
// a live session. Starting a second session must fail, never silently
// replace the first.
var ErrSessionConflict = errors.New("session already active for user")

// Session is the full set of live resources for one user's listening period.
// Owned exclusively by the [Manager]; other components obtain it only
// through the manager's lookups.
type Session struct {
	UserID    string
	GuildID   string
	ChannelID string

	// Pipeline is the user's audio chain.
	Pipeline *pipeline.Pipeline

	// Recognition is the user's recognizer state machine.
	Recognition *Recognition

	// ReleaseConnection returns the voice-channel connection handle to its
	// owner (which may keep it alive for other sessions in the same guild).
	ReleaseConnection func() error

	lastActivity time.Time
	cleaning     bool
}

// ManagerConfig tunes a [Manager].
type ManagerConfig struct {
	// IdleTimeout is how long a session may go without activity before the
	// sweep tears it down. Default: 5m.
	IdleTimeout time.Duration

	// SweepInterval spaces the idle sweeps. Default: 30s.
	SweepInterval time.Duration

	// TeardownTimeout bounds one session's graceful teardown; past it the
	// record is force-removed so the slot is reusable. Default: 10s.
	TeardownTimeout time.Duration

	// OnTimeout, when set, is called with the user ID of every session the
	// sweep expires, before its cleanup begins.
	OnTimeout func(userID string)

	// OnCleaned, when set, is called with the user ID after a session's
	// record has been removed.
	OnCleaned func(userID string)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager holds one Session record per actively-listening user and executes
// the ordered teardown sequence. Safe for concurrent use.
type Manager struct {
	idleTimeout   time.Duration
	sweepInterval time.Duration
	teardown      time.Duration
	onTimeout     func(string)
	onCleaned     func(string)
	log           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager with the supplied configuration. Zero-value
// fields are replaced with defaults.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		teardown:      cfg.TeardownTimeout,
		onTimeout:     cfg.OnTimeout,
		onCleaned:     cfg.OnCleaned,
		log:           log,
		sessions:      make(map[string]*Session),
	}
}

// Add registers a session for its user. Returns [ErrSessionConflict] if the
// user already has one.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.UserID]; exists {
		return ErrSessionConflict
	}
	s.lastActivity = time.Now()
	m.sessions[s.UserID] = s
	m.log.Info("session registered",
		"user_id", s.UserID,
		"guild_id", s.GuildID,
		"channel_id", s.ChannelID,
		"active", len(m.sessions))
	return nil
}

// Get returns the user's session, if any.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// InSession reports whether the user has a live session.
func (m *Manager) InSession(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[userID]
	return ok
}

// UpdateActivity refreshes the user's idle-timeout clock. No-op for unknown
// users.
func (m *Manager) UpdateActivity(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		s.lastActivity = time.Now()
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Cleanup tears down the user's session in order: stop recognition, detach
// the pipeline, close the recognizer stream, release the connection handle,
// remove the record. A failing step logs and the sequence continues; a leak
// is worse than a noisy log. Idempotent: a second call for the same user, or
// a call for a user with no session, is a no-op. A watchdog bounds the
// graceful path; on expiry the record is force-removed regardless.
func (m *Manager) Cleanup(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok || s.cleaning {
		m.mu.Unlock()
		return
	}
	s.cleaning = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.teardownSteps(s)
	}()

	select {
	case <-done:
	case <-time.After(m.teardown):
		m.log.Error("session teardown exceeded watchdog, force-removing record",
			"user_id", userID,
			"timeout", m.teardown)
	}

	m.mu.Lock()
	delete(m.sessions, userID)
	remaining := len(m.sessions)
	m.mu.Unlock()

	m.log.Info("session cleaned", "user_id", userID, "active", remaining)
	if m.onCleaned != nil {
		m.onCleaned(userID)
	}
}

// teardownSteps runs the ordered teardown. Each step is isolated so one
// failure cannot abort the rest.
func (m *Manager) teardownSteps(s *Session) {
	if s.Recognition != nil {
		s.Recognition.Stop()
	}
	if s.Pipeline != nil {
		s.Pipeline.Detach()
	}
	if s.Recognition != nil {
		if err := s.Recognition.Close(); err != nil {
			m.log.Warn("teardown: closing recognizer stream failed",
				"user_id", s.UserID, "err", err)
		}
	}
	if s.ReleaseConnection != nil {
		if err := s.ReleaseConnection(); err != nil {
			m.log.Warn("teardown: releasing voice connection failed",
				"user_id", s.UserID, "err", err)
		}
	}
}

// CleanupAll tears down every live session. Used on shutdown.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Cleanup(id)
		}()
	}
	wg.Wait()
}

// StartSweep runs the periodic idle sweep until ctx is canceled. Sessions
// whose last activity is older than the idle timeout get a timeout
// notification and a cleanup.
func (m *Manager) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep expires every session idle past the timeout.
func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if !s.cleaning && now.Sub(s.lastActivity) > m.idleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.log.Info("session idle timeout", "user_id", id, "idle_timeout", m.idleTimeout)
		if m.onTimeout != nil {
			m.onTimeout(id)
		}
		m.Cleanup(id)
	}
}
