package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper-go/internal/provider"
	"tokenkeeper-go/internal/scheduler"
	"tokenkeeper-go/internal/storage"
	"tokenkeeper-go/internal/worker"
)

// fakeProvider implements Provider with pluggable behavior.
type fakeProvider struct {
	exchange func(ctx context.Context, code string) (*provider.Token, error)
	refresh  func(ctx context.Context, refreshToken string) (*provider.Token, error)
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example/authorize?client_id=test&state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (*provider.Token, error) {
	if p.exchange == nil {
		return nil, errors.New("unexpected Exchange call")
	}
	return p.exchange(ctx, code)
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*provider.Token, error) {
	if p.refresh == nil {
		return nil, errors.New("unexpected Refresh call")
	}
	return p.refresh(ctx, refreshToken)
}

func hourToken(access, refresh string) *provider.Token {
	return &provider.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    time.Hour,
	}
}

type fixture struct {
	manager  *Manager
	store    *storage.SQLiteStorage
	sched    *scheduler.Scheduler
	provider *fakeProvider
	clock    clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	logger := log.New(io.Discard, "", 0)
	clock := clockwork.NewFakeClockAt(time.Now())

	// The scheduler is deliberately not started: these tests drive
	// RefreshDue directly, the way the timer loop would.
	sched, err := scheduler.NewScheduler(context.Background(), store.DB(), worker.NewWorkerPool(1), clock, logger)
	require.NoError(t, err)

	p := &fakeProvider{}
	manager, err := NewManager(ManagerConfig{
		Credentials:   store,
		Handshakes:    store,
		Provider:      p,
		Scheduler:     sched,
		Clock:         clock,
		Logger:        logger,
		RefreshBuffer: 5 * time.Minute,
		RetryInterval: time.Minute,
		HandshakeTTL:  time.Hour,
	})
	require.NoError(t, err)

	return &fixture{manager: manager, store: store, sched: sched, provider: p, clock: clock}
}

// authorize runs the full happy path and returns the credential ID.
func (f *fixture) authorize(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	f.provider.exchange = func(ctx context.Context, code string) (*provider.Token, error) {
		return hourToken("access-1", "refresh-1"), nil
	}

	authURL, err := f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	credentialID, err := f.manager.CompleteAuthorization(ctx, "auth-code", state)
	require.NoError(t, err)
	return credentialID
}

func TestManager_AuthorizationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)

	cred, err := f.store.GetCredential(ctx, credentialID)
	require.NoError(t, err)
	assert.True(t, cred.Live())
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.True(t, f.manager.IsAuthenticated(ctx, credentialID))
	assert.True(t, f.manager.IsActive(ctx, credentialID))

	// expires_in=3600 with a 300s buffer: the refresh fires in 3300s.
	d, err := f.manager.SecondsUntilRefresh(credentialID)
	require.NoError(t, err)
	assert.Equal(t, 3300*time.Second, d)
}

func TestManager_CompleteAuthorizationUnknownState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CompleteAuthorization(ctx, "auth-code", "bad-state-xyz")
	assert.ErrorIs(t, err, ErrHandshakeNotFound)

	// Refusal must not leave anything behind.
	ids, err := f.store.ListLiveCredentialIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestManager_CompleteAuthorizationReplayedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.exchange = func(ctx context.Context, code string) (*provider.Token, error) {
		return hourToken("access-1", "refresh-1"), nil
	}

	authURL, err := f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	state := u.Query().Get("state")

	credentialID, err := f.manager.CompleteAuthorization(ctx, "auth-code", state)
	require.NoError(t, err)

	// The handshake was consumed; a second delivery is a replay.
	_, err = f.manager.CompleteAuthorization(ctx, "auth-code", state)
	assert.ErrorIs(t, err, ErrHandshakeNotFound)

	cred, err := f.store.GetCredential(ctx, credentialID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", cred.AccessToken)
}

func TestManager_CompleteAuthorizationExchangeFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.exchange = func(ctx context.Context, code string) (*provider.Token, error) {
		return nil, errors.New("provider said no")
	}

	authURL, err := f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	state := u.Query().Get("state")

	_, err = f.manager.CompleteAuthorization(ctx, "auth-code", state)
	assert.ErrorIs(t, err, ErrExchangeFailed)

	ids, err := f.store.ListLiveCredentialIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestManager_RefreshDueExtendsAndReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)
	jobBefore, ok := f.sched.JobFor(credentialID)
	require.True(t, ok)

	// Walk the clock to the scheduled refresh time.
	f.clock.Advance(3300 * time.Second)

	f.provider.refresh = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		assert.Equal(t, "refresh-1", refreshToken)
		return hourToken("access-2", "refresh-2"), nil
	}

	require.NoError(t, f.manager.RefreshDue(ctx, credentialID))

	cred, err := f.store.GetCredential(ctx, credentialID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.AccessToken)
	assert.Equal(t, "refresh-2", cred.RefreshToken)

	// Same job, new run time 3300s from the refresh; the old time is
	// discarded.
	jobAfter, ok := f.sched.JobFor(credentialID)
	require.True(t, ok)
	assert.Equal(t, jobBefore.ID, jobAfter.ID)

	d, err := f.manager.SecondsUntilRefresh(credentialID)
	require.NoError(t, err)
	assert.Equal(t, 3300*time.Second, d)
}

func TestManager_RefreshDueStaleCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)

	// The token is nowhere near the refresh buffer; a callback now is
	// stale and must not hit the provider.
	f.provider.refresh = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		t.Fatal("stale callback must not call the provider")
		return nil, nil
	}

	require.NoError(t, f.manager.RefreshDue(ctx, credentialID))

	cred, err := f.store.GetCredential(ctx, credentialID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.True(t, f.sched.HasJob(credentialID))
}

func TestManager_RefreshDuePendingCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A credential that never completed the exchange but somehow
	// acquired a refresh job. The callback must drop the orphan job
	// instead of touching the provider.
	_, credentialID, err := f.store.BeginHandshake(ctx)
	require.NoError(t, err)
	_, err = f.sched.ScheduleOnce(ctx, credentialID, f.clock.Now())
	require.NoError(t, err)

	f.provider.refresh = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		t.Fatal("pending credential must not call the provider")
		return nil, nil
	}

	require.NoError(t, f.manager.RefreshDue(ctx, credentialID))
	assert.False(t, f.sched.HasJob(credentialID))

	// The pending credential itself stays; the startup sweep owns its
	// removal.
	_, err = f.store.GetCredential(ctx, credentialID)
	require.NoError(t, err)
}

func TestManager_RefreshDueTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)
	f.clock.Advance(3300 * time.Second)

	f.provider.refresh = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		return nil, errors.New("connection reset")
	}

	err := f.manager.RefreshDue(ctx, credentialID)
	require.Error(t, err)

	// The credential survives and the job is pushed out by the retry
	// interval rather than abandoned.
	assert.True(t, f.manager.IsAuthenticated(ctx, credentialID))
	d, err := f.manager.SecondsUntilRefresh(credentialID)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestManager_RefreshDueGrantRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)
	f.clock.Advance(3300 * time.Second)

	f.provider.refresh = func(ctx context.Context, refreshToken string) (*provider.Token, error) {
		return nil, fmt.Errorf("token refresh failed: %w", provider.ErrGrantRevoked)
	}

	err := f.manager.RefreshDue(ctx, credentialID)
	assert.ErrorIs(t, err, provider.ErrGrantRevoked)

	// Terminal: credential and job are both gone.
	assert.False(t, f.manager.IsAuthenticated(ctx, credentialID))
	assert.False(t, f.sched.HasJob(credentialID))
	_, err = f.store.GetCredential(ctx, credentialID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_RefreshDueCredentialDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)
	_, err := f.store.DeleteCredential(ctx, credentialID)
	require.NoError(t, err)

	// The credential lost the race; the leftover job must not survive.
	err = f.manager.RefreshDue(ctx, credentialID)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
	assert.False(t, f.sched.HasJob(credentialID))
}

func TestManager_Logout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)
	require.NoError(t, f.manager.Logout(ctx, credentialID))

	assert.False(t, f.manager.IsAuthenticated(ctx, credentialID))
	_, err := f.manager.SecondsUntilRefresh(credentialID)
	assert.ErrorIs(t, err, scheduler.ErrNotScheduled)

	// Logout is idempotent.
	require.NoError(t, f.manager.Logout(ctx, credentialID))
}

func TestManager_IsActiveForcesLogoutWithoutJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)

	// Simulate a partial failure that lost the refresh job.
	_, err := f.sched.Cancel(ctx, credentialID)
	require.NoError(t, err)

	// A live credential nothing will refresh must not be served.
	assert.False(t, f.manager.IsActive(ctx, credentialID))
	assert.False(t, f.manager.IsAuthenticated(ctx, credentialID))
	_, err = f.store.GetCredential(ctx, credentialID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_IsActiveInsideBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)
	f.clock.Advance(3400 * time.Second)

	// Inside the refresh buffer: authenticated but no longer active.
	assert.True(t, f.manager.IsAuthenticated(ctx, credentialID))
	assert.False(t, f.manager.IsActive(ctx, credentialID))
}

func TestManager_ReconcileRemovesJoblessLiveCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credentialID := f.authorize(t)
	_, err := f.sched.Cancel(ctx, credentialID)
	require.NoError(t, err)

	require.NoError(t, f.manager.Reconcile(ctx))

	_, err = f.store.GetCredential(ctx, credentialID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_ReconcileSweepsAbandonedHandshakes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An authorization URL was issued but the user never came back.
	_, err := f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.manager.Reconcile(ctx))

	ids, err := f.store.ListLiveCredentialIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	var count int
	err = f.store.DB().QueryRow(`SELECT COUNT(*) FROM credentials`).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}
