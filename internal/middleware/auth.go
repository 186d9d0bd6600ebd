// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/mpreiss/clinsight/internal/auth"
	"github.com/mpreiss/clinsight/internal/logging"
)

// SubjectKey is the context key under which the authenticated subject
// is stored.
const SubjectKey contextKey = "auth_subject"

// RequireAuth rejects requests that do not carry a valid bearer token.
// A nil token service disables auth and the middleware passes every
// request through unchanged.
func RequireAuth(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokens == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := tokens.Verify(token)
			if err != nil {
				logging.Ctx(r.Context()).Debug().Err(err).Msg("rejected bearer token")
				unauthorized(w, "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSubject extracts the authenticated subject from context. Empty
// when auth is disabled.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="clinsight"`)
	w.WriteHeader(http.StatusUnauthorized)
	//nolint:errcheck // HTTP response write errors are not recoverable
	w.Write([]byte(`{"success":false,"error":{"code":"UNAUTHORIZED","message":"` + message + `"}}`))
}
