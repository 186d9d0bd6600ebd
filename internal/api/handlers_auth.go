// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/mpreiss/clinsight/internal/auth"
	"github.com/mpreiss/clinsight/internal/logging"
)

// AuthHandler serves token issuance when bearer auth is enabled.
type AuthHandler struct {
	tokens       *auth.TokenService
	username     string
	passwordHash string
}

// NewAuthHandler wires the login endpoint against the configured
// operator credentials.
func NewAuthHandler(tokens *auth.TokenService, username, passwordHash string) *AuthHandler {
	return &AuthHandler{tokens: tokens, username: username, passwordHash: passwordHash}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges operator credentials for a bearer token. Both reject
// paths return the same 401 so the endpoint does not reveal which half
// of the credential was wrong.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		rw.BadRequest("username and password are required")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.username)) == 1
	passErr := auth.CheckPassword(h.passwordHash, req.Password)
	if !userOK || passErr != nil {
		if passErr != nil && !errors.Is(passErr, auth.ErrWrongPassword) {
			logging.Ctx(r.Context()).Error().Err(passErr).Msg("password check failed")
		}
		rw.Unauthorized("invalid credentials")
		return
	}

	token, expires, err := h.tokens.Issue(req.Username)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to issue token")
		rw.InternalError("failed to issue token")
		return
	}

	rw.Success(loginResponse{Token: token, ExpiresAt: expires})
}
