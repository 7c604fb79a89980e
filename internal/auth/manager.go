package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tokenkeeper-go/internal/metrics"
	"tokenkeeper-go/internal/provider"
	"tokenkeeper-go/internal/scheduler"
	"tokenkeeper-go/internal/storage"
)

var (
	// ErrHandshakeNotFound mirrors the storage sentinel so callers of
	// the manager need not import storage to classify the failure.
	ErrHandshakeNotFound = storage.ErrHandshakeNotFound

	// ErrCredentialNotFound is returned when the credential was
	// deleted out from under an operation. Callers treat it as a
	// benign race, not corruption.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrExchangeFailed wraps a failed code exchange. Authorization
	// codes are single-use, so this is surfaced to the user's flow
	// with no automatic retry.
	ErrExchangeFailed = errors.New("code exchange failed")
)

// CredentialStore is the durable token storage the manager writes.
type CredentialStore interface {
	PutCredential(ctx context.Context, c *storage.Credential) error
	GetCredential(ctx context.Context, id string) (*storage.Credential, error)
	DeleteCredential(ctx context.Context, id string) (bool, error)
	ListLiveCredentialIDs(ctx context.Context) ([]string, error)
	SweepPendingCredentials(ctx context.Context, olderThan time.Time) (int64, error)
}

// HandshakeStore issues and consumes the anti-CSRF state values.
type HandshakeStore interface {
	BeginHandshake(ctx context.Context) (state, credentialID string, err error)
	ResolveHandshake(ctx context.Context, state string) (credentialID string, err error)
}

// Provider is the token endpoint: build the redirect URL, exchange a
// code, refresh a token. Both calls can fail; Refresh failures
// wrapping provider.ErrGrantRevoked are terminal.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*provider.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*provider.Token, error)
}

// Scheduler is the durable refresh scheduler the manager drives. It
// owns "when"; the manager owns "what".
type Scheduler interface {
	ScheduleOnce(ctx context.Context, credentialID string, runAt time.Time) (string, error)
	Reschedule(ctx context.Context, credentialID string, runAt time.Time) error
	Cancel(ctx context.Context, credentialID string) (bool, error)
	SecondsUntilDue(credentialID string) (time.Duration, error)
	HasJob(credentialID string) bool
}

// Manager orchestrates the credential lifecycle: pending on handshake
// start, live after the code exchange, refreshed in place ahead of
// every expiry, torn down on logout or revocation. It is the sole
// writer of credentials and handshakes and the only caller of the
// scheduler's mutating operations.
type Manager struct {
	creds      CredentialStore
	handshakes HandshakeStore
	provider   Provider
	scheduler  Scheduler
	clock      clockwork.Clock
	logger     *log.Logger

	// refreshBuffer is the lead time before expiry at which a
	// refresh fires. retryInterval is how far a transiently failed
	// refresh is pushed out before the next attempt.
	refreshBuffer time.Duration
	retryInterval time.Duration

	// handshakeTTL bounds how long an unconsumed handshake (and its
	// pending credential) is kept before the startup sweep drops it.
	handshakeTTL time.Duration

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// ManagerConfig bundles the manager's dependencies.
type ManagerConfig struct {
	Credentials   CredentialStore
	Handshakes    HandshakeStore
	Provider      Provider
	Scheduler     Scheduler
	Clock         clockwork.Clock
	Logger        *log.Logger
	RefreshBuffer time.Duration
	RetryInterval time.Duration
	HandshakeTTL  time.Duration
}

// NewManager creates a lifecycle manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Credentials == nil || cfg.Handshakes == nil || cfg.Provider == nil || cfg.Scheduler == nil {
		return nil, fmt.Errorf("credentials, handshakes, provider and scheduler are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = 5 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.HandshakeTTL <= 0 {
		cfg.HandshakeTTL = time.Hour
	}
	return &Manager{
		creds:         cfg.Credentials,
		handshakes:    cfg.Handshakes,
		provider:      cfg.Provider,
		scheduler:     cfg.Scheduler,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		refreshBuffer: cfg.RefreshBuffer,
		retryInterval: cfg.RetryInterval,
		handshakeTTL:  cfg.HandshakeTTL,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

// lockCredential serializes multi-step mutations per credential.
// Operations on different credentials stay independent.
func (m *Manager) lockCredential(id string) func() {
	m.lockMu.Lock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	m.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// BeginAuthorization starts a new authorization flow. The pending
// credential and its handshake are durably created before the URL is
// returned, so the later callback can succeed even if the process
// crashes in between.
func (m *Manager) BeginAuthorization(ctx context.Context) (string, error) {
	state, credentialID, err := m.handshakes.BeginHandshake(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin handshake: %w", err)
	}

	metrics.HandshakesStarted.Inc()
	m.logger.Printf("auth: started handshake for credential %s", credentialID)
	return m.provider.AuthCodeURL(state), nil
}

// CompleteAuthorization handles the provider callback: validates and
// consumes the handshake, exchanges the code, persists the token and
// schedules the first refresh. Returns the credential ID on success.
func (m *Manager) CompleteAuthorization(ctx context.Context, code, state string) (string, error) {
	credentialID, err := m.handshakes.ResolveHandshake(ctx, state)
	if err != nil {
		if errors.Is(err, ErrHandshakeNotFound) {
			// Unknown or replayed state. Refuse; never guess which
			// credential was intended.
			metrics.HandshakeRejections.Inc()
		}
		return "", err
	}

	unlock := m.lockCredential(credentialID)
	defer unlock()

	tok, err := m.provider.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	cred, err := m.creds.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, credentialID)
		}
		return "", err
	}

	now := m.clock.Now()
	expiresAt := now.Add(tok.ExpiresIn)
	cred.AccessToken = tok.AccessToken
	cred.RefreshToken = tok.RefreshToken
	cred.TokenType = tok.TokenType
	cred.ExpiresAt = &expiresAt

	if err := m.creds.PutCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("failed to store credential: %w", err)
	}

	runAt := expiresAt.Add(-m.refreshBuffer)
	if _, err := m.scheduler.ScheduleOnce(ctx, credentialID, runAt); err != nil {
		if !errors.Is(err, scheduler.ErrAlreadyScheduled) {
			return "", fmt.Errorf("failed to schedule refresh: %w", err)
		}
		// Re-entrant delivery (e.g. a duplicate webhook) already
		// created the job; move it instead of failing.
		if err := m.scheduler.Reschedule(ctx, credentialID, runAt); err != nil {
			return "", fmt.Errorf("failed to reschedule refresh: %w", err)
		}
	}

	metrics.AuthorizationsCompleted.Inc()
	m.logger.Printf("auth: credential %s live, refresh at %s", credentialID, runAt.Format(time.RFC3339))
	return credentialID, nil
}

// RefreshDue is the scheduler's callback. It re-loads the credential
// by ID at fire time, refreshes it if the refresh buffer has been
// reached, and reschedules the job from the new expiry.
func (m *Manager) RefreshDue(ctx context.Context, credentialID string) error {
	unlock := m.lockCredential(credentialID)
	defer unlock()

	cred, err := m.creds.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted concurrently (logout won the race). Terminal:
			// make sure no job outlives the credential.
			if _, cerr := m.scheduler.Cancel(ctx, credentialID); cerr != nil {
				m.logger.Printf("auth: failed to cancel job for deleted credential %s: %v", credentialID, cerr)
			}
			return fmt.Errorf("%w: %s", ErrCredentialNotFound, credentialID)
		}
		return err
	}

	now := m.clock.Now()
	if !cred.RefreshNeeded(now, m.refreshBuffer) {
		if !cred.Live() {
			// A pending credential has nothing to refresh; its job is
			// an orphan from a flow that never completed the exchange.
			m.logger.Printf("auth: refresh callback for pending credential %s, cancelling orphan job", credentialID)
			if _, err := m.scheduler.Cancel(ctx, credentialID); err != nil {
				return fmt.Errorf("failed to cancel orphan refresh job: %w", err)
			}
			return nil
		}
		// Stale callback; the token was refreshed by someone else.
		// Keep the job armed at the expiry the credential now has.
		m.logger.Printf("auth: stale refresh callback for credential %s, token valid until %s",
			credentialID, cred.ExpiresAt.Format(time.RFC3339))
		if err := m.scheduler.Reschedule(ctx, credentialID, cred.ExpiresAt.Add(-m.refreshBuffer)); err != nil &&
			!errors.Is(err, scheduler.ErrNotScheduled) {
			return err
		}
		return nil
	}

	tok, err := m.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrGrantRevoked) {
			// The grant is dead. Tear everything down; the user is
			// effectively logged out and must re-authorize.
			metrics.TokenRefreshFailures.WithLabelValues("revoked").Inc()
			m.logger.Printf("auth: grant revoked for credential %s, tearing down", credentialID)
			m.teardown(ctx, credentialID)
			return err
		}

		// Transient failure: keep the credential and the job, push
		// the job out by the retry interval and try again.
		metrics.TokenRefreshFailures.WithLabelValues("transient").Inc()
		m.logger.Printf("auth: transient refresh failure for credential %s, retrying in %s: %v",
			credentialID, m.retryInterval, err)
		if rerr := m.scheduler.Reschedule(ctx, credentialID, now.Add(m.retryInterval)); rerr != nil {
			m.logger.Printf("auth: failed to arm refresh retry for credential %s: %v", credentialID, rerr)
		}
		return err
	}

	expiresAt := now.Add(tok.ExpiresIn)
	cred.AccessToken = tok.AccessToken
	cred.TokenType = tok.TokenType
	cred.ExpiresAt = &expiresAt
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}

	if err := m.creds.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store refreshed credential: %w", err)
	}

	runAt := expiresAt.Add(-m.refreshBuffer)
	if err := m.scheduler.Reschedule(ctx, credentialID, runAt); err != nil {
		// A live credential must never be left without a job.
		if errors.Is(err, scheduler.ErrNotScheduled) {
			if _, serr := m.scheduler.ScheduleOnce(ctx, credentialID, runAt); serr != nil {
				return fmt.Errorf("failed to re-arm refresh: %w", serr)
			}
		} else {
			return fmt.Errorf("failed to reschedule refresh: %w", err)
		}
	}

	metrics.TokenRefreshes.Inc()
	m.logger.Printf("auth: refreshed credential %s, next refresh at %s", credentialID, runAt.Format(time.RFC3339))
	return nil
}

// IsAuthenticated reports whether the credential holds an unexpired
// token.
func (m *Manager) IsAuthenticated(ctx context.Context, credentialID string) bool {
	cred, err := m.creds.GetCredential(ctx, credentialID)
	if err != nil {
		return false
	}
	return cred.Authenticated(m.clock.Now())
}

// IsActive reports whether the credential is live and outside the
// refresh buffer. A live credential with no refresh job is
// untrustworthy, since nothing will keep it valid, and is forced
// through logout rather than served.
func (m *Manager) IsActive(ctx context.Context, credentialID string) bool {
	cred, err := m.creds.GetCredential(ctx, credentialID)
	if err != nil {
		return false
	}
	if cred.Live() && !m.scheduler.HasJob(credentialID) {
		m.logger.Printf("auth: credential %s is live with no refresh job, forcing logout", credentialID)
		if err := m.Logout(ctx, credentialID); err != nil {
			m.logger.Printf("auth: forced logout of credential %s failed: %v", credentialID, err)
		}
		return false
	}
	return cred.Active(m.clock.Now(), m.refreshBuffer)
}

// SecondsUntilRefresh reports how long until the credential's next
// scheduled refresh. Fails with scheduler.ErrNotScheduled when no
// refresh is pending.
func (m *Manager) SecondsUntilRefresh(credentialID string) (time.Duration, error) {
	return m.scheduler.SecondsUntilDue(credentialID)
}

// Logout cancels the refresh job and deletes the credential. Both
// steps are idempotent; logging out an already-gone credential is a
// no-op.
func (m *Manager) Logout(ctx context.Context, credentialID string) error {
	unlock := m.lockCredential(credentialID)
	defer unlock()
	return m.teardown(ctx, credentialID)
}

// teardown removes the job before the credential so a crash in
// between leaves at worst a jobless dead row, never a job pointing at
// nothing that would fire forever. Callers hold the credential lock.
func (m *Manager) teardown(ctx context.Context, credentialID string) error {
	if _, err := m.scheduler.Cancel(ctx, credentialID); err != nil {
		return fmt.Errorf("failed to cancel refresh job: %w", err)
	}
	found, err := m.creds.DeleteCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if found {
		metrics.Logouts.Inc()
		m.logger.Printf("auth: credential %s removed", credentialID)
	}
	return nil
}

// Reconcile runs the startup consistency pass: drop pending
// credentials whose handshake aged out, and tear down any live
// credential that lost its refresh job (every live credential must
// have exactly one).
func (m *Manager) Reconcile(ctx context.Context) error {
	swept, err := m.creds.SweepPendingCredentials(ctx, m.clock.Now().Add(-m.handshakeTTL))
	if err != nil {
		return fmt.Errorf("failed to sweep pending credentials: %w", err)
	}
	if swept > 0 {
		m.logger.Printf("auth: swept %d abandoned pending credential(s)", swept)
	}

	ids, err := m.creds.ListLiveCredentialIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list live credentials: %w", err)
	}
	for _, id := range ids {
		if m.scheduler.HasJob(id) {
			continue
		}
		m.logger.Printf("auth: credential %s has no refresh job, forcing logout", id)
		if err := m.Logout(ctx, id); err != nil {
			return fmt.Errorf("failed to force logout of credential %s: %w", id, err)
		}
	}
	return nil
}
