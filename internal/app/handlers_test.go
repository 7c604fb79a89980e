package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper-go/internal/auth"
	"tokenkeeper-go/internal/config"
	"tokenkeeper-go/internal/provider"
	"tokenkeeper-go/internal/scheduler"
	"tokenkeeper-go/internal/session"
	"tokenkeeper-go/internal/storage"
	"tokenkeeper-go/internal/worker"
)

// stubProvider satisfies auth.Provider for handler tests.
type stubProvider struct {
	exchangeErr error
}

func (p *stubProvider) AuthCodeURL(state string) string {
	return "https://provider.example/authorize?state=" + url.QueryEscape(state)
}

func (p *stubProvider) Exchange(ctx context.Context, code string) (*provider.Token, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &provider.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "bearer",
		ExpiresIn:    time.Hour,
	}, nil
}

func (p *stubProvider) Refresh(ctx context.Context, refreshToken string) (*provider.Token, error) {
	return nil, errors.New("not used in handler tests")
}

func newTestApp(t *testing.T) (*Application, *stubProvider) {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	logger := log.New(io.Discard, "", 0)
	clock := clockwork.NewRealClock()

	sched, err := scheduler.NewScheduler(context.Background(), store.DB(), worker.NewWorkerPool(1), clock, logger)
	require.NoError(t, err)

	p := &stubProvider{}
	manager, err := auth.NewManager(auth.ManagerConfig{
		Credentials:   store,
		Handshakes:    store,
		Provider:      p,
		Scheduler:     sched,
		Clock:         clock,
		Logger:        logger,
		RefreshBuffer: 5 * time.Minute,
	})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Session.TTL = config.Duration{Duration: time.Hour}

	return &Application{
		Config:       cfg,
		Logger:       logger,
		Storage:      store,
		Scheduler:    sched,
		Manager:      manager,
		SessionStore: session.NewInMemoryStore(),
	}, p
}

// loginAndCallback walks the whole browser flow and returns the
// session cookie.
func loginAndCallback(t *testing.T, a *Application) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	a.handleLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	rec = httptest.NewRecorder()
	a.handleCallback(rec, httptest.NewRequest(http.MethodGet,
		"/oauth-callback?code=auth-code&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatal("callback did not set a session cookie")
	return nil
}

func TestHandlers_LoginRedirectsToProvider(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.handleLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "https://provider.example/authorize")
}

func TestHandlers_FullFlow(t *testing.T) {
	a, _ := newTestApp(t)
	cookie := loginAndCallback(t, a)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	a.requireAuth(http.HandlerFunc(a.handleIndex)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		CredentialID        string `json:"credential_id"`
		SecondsUntilRefresh *int64 `json:"seconds_until_refresh"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CredentialID)
	require.NotNil(t, resp.SecondsUntilRefresh)
	// expires_in=3600 minus the 300s buffer.
	assert.InDelta(t, 3300, *resp.SecondsUntilRefresh, 5)
}

func TestHandlers_CallbackMissingParams(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.handleCallback(rec, httptest.NewRequest(http.MethodGet, "/oauth-callback", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_CallbackUnknownState(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.handleCallback(rec, httptest.NewRequest(http.MethodGet,
		"/oauth-callback?code=auth-code&state=bad-state-xyz", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlers_CallbackExchangeFailure(t *testing.T) {
	a, p := newTestApp(t)
	p.exchangeErr = errors.New("provider said no")

	rec := httptest.NewRecorder()
	a.handleLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	a.handleCallback(rec, httptest.NewRequest(http.MethodGet,
		"/oauth-callback?code=auth-code&state="+url.QueryEscape(loc.Query().Get("state")), nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandlers_LogoutTearsDownCredential(t *testing.T) {
	a, _ := newTestApp(t)
	cookie := loginAndCallback(t, a)

	credentialID, err := a.SessionStore.Get(context.Background(), cookie.Value)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	a.handleLogout(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.False(t, a.Manager.IsAuthenticated(context.Background(), credentialID))
	_, err = a.Manager.SecondsUntilRefresh(credentialID)
	assert.ErrorIs(t, err, scheduler.ErrNotScheduled)
}
