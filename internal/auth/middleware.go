package auth

import (
	"context"
	"net/http"
	"sync"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// ContextKeyAdmin marks requests that passed admin authentication.
const ContextKeyAdmin contextKey = "admin"

// ErrorWriter writes an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, message string)

// Authenticator guards the admin API with a single key, configured either in
// plain text or as a bcrypt hash. The hash wins when both are set.
type Authenticator struct {
	plainKey string
	keyHash  string
	onError  ErrorWriter

	// verified remembers the last token that matched keyHash so that bcrypt
	// runs once per key rather than once per request.
	mu       sync.Mutex
	verified string
}

// NewAuthenticator creates a new Authenticator. A nil onError falls back to
// http.Error.
func NewAuthenticator(plainKey, keyHash string, onError ErrorWriter) *Authenticator {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, status int, message string) {
			http.Error(w, message, status)
		}
	}
	return &Authenticator{plainKey: plainKey, keyHash: keyHash, onError: onError}
}

// AuthResult contains the result of an authentication attempt
type AuthResult struct {
	Authenticated bool
	Error         string
}

// Authenticate authenticates a request using the Authorization header
func (a *Authenticator) Authenticate(authHeader string) AuthResult {
	token := ExtractBearerToken(authHeader)
	if token == "" {
		return AuthResult{Error: "missing bearer token"}
	}

	if a.keyHash != "" {
		if a.verifiedToken(token) || VerifyAPIKey(token, a.keyHash) {
			a.remember(token)
			return AuthResult{Authenticated: true}
		}
		return AuthResult{Error: "invalid token"}
	}

	if a.plainKey != "" && VerifyAPIKeyConstantTime(token, a.plainKey) {
		return AuthResult{Authenticated: true}
	}
	return AuthResult{Error: "invalid token"}
}

func (a *Authenticator) verifiedToken(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verified != "" && VerifyAPIKeyConstantTime(token, a.verified)
}

func (a *Authenticator) remember(token string) {
	a.mu.Lock()
	a.verified = token
	a.mu.Unlock()
}

// RequireAdmin is a middleware that requires the admin key
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := a.Authenticate(r.Header.Get("Authorization"))
		if !result.Authenticated {
			a.onError(w, r, http.StatusUnauthorized, result.Error)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyAdmin, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IsAdmin reports whether the request context passed RequireAdmin.
func IsAdmin(ctx context.Context) bool {
	ok, _ := ctx.Value(ContextKeyAdmin).(bool)
	return ok
}
