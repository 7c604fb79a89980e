package app

import (
	"context"
	"net/http"
)

// contextKey is a custom type to use as a key for context values.
type contextKey string

// credentialContextKey is the key for storing the credential ID in
// the request context.
const credentialContextKey = contextKey("credentialID")

// requireAuth ensures the request carries a session bound to an
// authenticated credential, redirecting to /login otherwise.
func (a *Application) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		credentialID, err := a.SessionStore.Get(r.Context(), cookie.Value)
		if err != nil {
			// Clear the invalid cookie
			http.SetCookie(w, &http.Cookie{
				Name:   sessionCookieName,
				Value:  "",
				Path:   "/",
				MaxAge: -1,
			})
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		if !a.Manager.IsAuthenticated(r.Context(), credentialID) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		next.ServeHTTP(w, withCredentialID(r, credentialID))
	})
}

// withCredentialID adds the credential ID to the request's context.
func withCredentialID(r *http.Request, credentialID string) *http.Request {
	ctx := context.WithValue(r.Context(), credentialContextKey, credentialID)
	return r.WithContext(ctx)
}

// credentialIDFromContext retrieves the credential ID from the
// request's context.
func credentialIDFromContext(r *http.Request) (string, bool) {
	credentialID, ok := r.Context().Value(credentialContextKey).(string)
	return credentialID, ok
}
