// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/xerrors"
)

const bearerPrefix = "Bearer "

// ParseTokens splits a comma-separated token list, dropping blanks. It lets
// one flag carry the current and the previous token during rotation.
func ParseTokens(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// BearerToken returns middleware that accepts requests whose Authorization
// header carries a Bearer token equal to any of tokens. Every candidate is
// compared in constant time, so the match position is not observable.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, tok := range tokens {
		if tok != "" {
			expected = append(expected, []byte(tok))
		}
	}
	if len(expected) == 0 {
		panic(xerrors.New("at least one bearer token is required"))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, bearerPrefix) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len(bearerPrefix):])

			match := 0
			for _, want := range expected {
				match |= subtle.ConstantTimeCompare(got, want)
			}
			if match != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
