package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tokenkeeper-go/internal/auth"
	"tokenkeeper-go/internal/scheduler"
)

const sessionCookieName = "session_id"

// handleIndex reports the authenticated credential and the time until
// its next scheduled refresh.
func (a *Application) handleIndex(w http.ResponseWriter, r *http.Request) {
	credentialID, ok := credentialIDFromContext(r)
	if !ok {
		http.Error(w, "Could not identify credential", http.StatusInternalServerError)
		return
	}

	resp := struct {
		CredentialID        string `json:"credential_id"`
		SecondsUntilRefresh *int64 `json:"seconds_until_refresh"`
	}{CredentialID: credentialID}

	if d, err := a.Manager.SecondsUntilRefresh(credentialID); err == nil {
		secs := int64(d.Seconds())
		resp.SecondsUntilRefresh = &secs
	} else if !errors.Is(err, scheduler.ErrNotScheduled) {
		a.Logger.Printf("handlers: seconds until refresh for %s: %v", credentialID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleLogin starts the authorization flow and redirects the user to
// the provider's consent page.
func (a *Application) handleLogin(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if credentialID, err := a.SessionStore.Get(r.Context(), cookie.Value); err == nil {
			if a.Manager.IsAuthenticated(r.Context(), credentialID) {
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
		}
	}

	authURL, err := a.Manager.BeginAuthorization(r.Context())
	if err != nil {
		a.Logger.Printf("handlers: begin authorization: %v", err)
		http.Error(w, "Failed to start authorization", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// handleCallback handles the redirect from the provider after user
// consent.
func (a *Application) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "Invalid request: missing code or state", http.StatusBadRequest)
		return
	}

	credentialID, err := a.Manager.CompleteAuthorization(r.Context(), code, state)
	if err != nil {
		a.Logger.Printf("handlers: complete authorization: %v", err)
		switch {
		case errors.Is(err, auth.ErrHandshakeNotFound):
			http.Error(w, "Unknown or expired authorization state", http.StatusForbidden)
		case errors.Is(err, auth.ErrExchangeFailed):
			http.Error(w, "Authorization failed", http.StatusBadGateway)
		default:
			http.Error(w, "Authorization failed", http.StatusInternalServerError)
		}
		return
	}

	sessionID, err := a.SessionStore.Create(r.Context(), credentialID, a.Config.Session.TTL.Duration)
	if err != nil {
		a.Logger.Printf("handlers: create session: %v", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Expires:  time.Now().Add(a.Config.Session.TTL.Duration),
		HttpOnly: true,
		Path:     "/",
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout tears down the credential and clears the session.
func (a *Application) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	if credentialID, err := a.SessionStore.Get(r.Context(), cookie.Value); err == nil {
		if err := a.Manager.Logout(r.Context(), credentialID); err != nil {
			a.Logger.Printf("handlers: logout of credential %s: %v", credentialID, err)
			http.Error(w, "Logout failed", http.StatusInternalServerError)
			return
		}
	}
	_ = a.SessionStore.Delete(r.Context(), cookie.Value)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
