package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	robosync "github.com/wolfeidau/robosync"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed
// proactively.
const DefaultRefreshMargin = 60 * time.Second

// DefaultEnvVar is the environment variable consulted for a static API key
// before the secret store.
const DefaultEnvVar = "ROBOSYNC_API_KEY"

// RefreshFunc exchanges a refresh token for a new credential. The transport
// layer supplies the implementation; the manager never speaks HTTP itself.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Credential, error)

// Manager owns the credential lifecycle: loading from the environment or
// the secret store, proactive refresh inside the safety margin, reactive
// refresh on request, and persistence of refreshed credentials.
//
// Manager is safe for concurrent use; concurrent callers share a single
// in-flight refresh rather than racing the exchange endpoint.
type Manager struct {
	store   *Store
	refresh RefreshFunc
	envVar  string
	margin  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cred   *Credential
	loaded bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRefreshFunc sets the refresh token exchange implementation.
func WithRefreshFunc(fn RefreshFunc) ManagerOption {
	return func(m *Manager) {
		m.refresh = fn
	}
}

// WithEnvVar overrides the environment variable consulted for a static
// API key.
func WithEnvVar(name string) ManagerOption {
	return func(m *Manager) {
		m.envVar = name
	}
}

// WithRefreshMargin overrides the proactive refresh safety margin.
func WithRefreshMargin(margin time.Duration) ManagerOption {
	return func(m *Manager) {
		m.margin = margin
	}
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a credential manager backed by the given store.
func NewManager(store *Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		envVar: DefaultEnvVar,
		margin: DefaultRefreshMargin,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a currently-valid access token, refreshing proactively when
// less than the safety margin remains before expiry. It fails with
// robosync.ErrAuth when no credential exists and none is available from the
// environment.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key := os.Getenv(m.envVar); key != "" {
		return key, nil
	}

	if err := m.loadLocked(); err != nil {
		return "", err
	}
	if m.cred == nil {
		return "", fmt.Errorf("no credential in %s and %s is unset: %w", m.store.path, m.envVar, robosync.ErrAuth)
	}

	if m.cred.ValidAt(m.now(), m.margin) {
		return m.cred.AccessToken, nil
	}

	m.logger.Debug("access token near expiry, refreshing", "expiry", m.cred.Expiry)
	return m.refreshLocked(ctx)
}

// Refresh exchanges the refresh token for a new access token, persisting
// the result. It fails with robosync.ErrAuthExpired when the refresh token
// itself is invalid or absent, signalling that a full re-login is required.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key := os.Getenv(m.envVar); key != "" {
		// A static key cannot be refreshed; a rejection of it is final.
		return "", fmt.Errorf("static API key from %s rejected by store: %w", m.envVar, robosync.ErrAuthExpired)
	}

	if err := m.loadLocked(); err != nil {
		return "", err
	}
	return m.refreshLocked(ctx)
}

// Login stores a new credential, replacing any existing one.
func (m *Manager) Login(cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred.AccessToken == "" {
		return fmt.Errorf("credential has no access token: %w", robosync.ErrAuth)
	}
	if err := m.store.Save(cred); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}
	m.cred = cred
	m.loaded = true
	return nil
}

// Logout discards the stored credential.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cred = nil
	m.loaded = true
	if err := m.store.Delete(); err != nil {
		return fmt.Errorf("discarding credential: %w", err)
	}
	return nil
}

func (m *Manager) loadLocked() error {
	if m.loaded {
		return nil
	}
	cred, err := m.store.Load()
	switch {
	case errors.Is(err, ErrNoCredential):
		m.cred = nil
	case err != nil:
		return fmt.Errorf("loading credential: %w", err)
	default:
		m.cred = cred
	}
	m.loaded = true
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	if m.cred == nil {
		return "", fmt.Errorf("no credential to refresh: %w", robosync.ErrAuth)
	}
	if m.cred.RefreshToken == "" || m.refresh == nil {
		return "", fmt.Errorf("credential is not refreshable: %w", robosync.ErrAuthExpired)
	}

	fresh, err := m.refresh(ctx, m.cred.RefreshToken)
	if err != nil {
		// Network trouble is retryable by the caller; anything else means
		// the refresh token is no longer honoured.
		if errors.Is(err, robosync.ErrTransient) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		m.cred = nil
		if derr := m.store.Delete(); derr != nil {
			m.logger.Warn("discarding rejected credential", "error", derr)
		}
		return "", fmt.Errorf("refresh token rejected: %w", errors.Join(err, robosync.ErrAuthExpired))
	}

	m.cred = fresh
	if err := m.store.Save(fresh); err != nil {
		// The refreshed token is still usable for this process even when
		// persistence fails.
		m.logger.Warn("persisting refreshed credential", "error", err)
	}
	m.logger.Debug("access token refreshed", "expiry", fresh.Expiry)
	return fresh.AccessToken, nil
}
