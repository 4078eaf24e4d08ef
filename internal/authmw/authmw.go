// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const scheme = "Bearer "

// Bearer returns middleware requiring an Authorization header whose
// bearer token matches expected. Tokens are compared in constant time.
func Bearer(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if !ok {
				unauthorized(w, `{"error":"missing or malformed authorization header"}`)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				unauthorized(w, `{"error":"invalid token"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	return strings.CutPrefix(auth, scheme)
}

func unauthorized(w http.ResponseWriter, body string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="firewatch"`)
	http.Error(w, body, http.StatusUnauthorized)
}
