package server

import (
	"log/slog"
	"net/http"
)

// Verifier checks a username/password pair. *credentials.Store satisfies it.
type Verifier interface {
	Check(username, password string) bool
}

// Authenticate reports whether r carries valid HTTP Basic credentials.
// A nil verifier accepts every request. The decoded username and the outcome
// are logged; the password never is.
func Authenticate(r *http.Request, v Verifier, logger *slog.Logger) bool {
	if v == nil {
		return true
	}

	if r.Header.Get("Authorization") == "" {
		logger.Warn("Missing credentials", "remote", r.RemoteAddr)
		return false
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		logger.Warn("Malformed Authorization header", "remote", r.RemoteAddr)
		return false
	}

	authenticated := v.Check(username, password)
	logger.Info("Authentication attempt",
		"user", username,
		"authenticated", authenticated,
		"remote", r.RemoteAddr)

	return authenticated
}
