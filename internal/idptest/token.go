package idptest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// maxRequestBody caps token and REST request bodies.
const maxRequestBody = 1 << 20

type pkceRequest struct {
	AuthCode     string `json:"auth_code"`
	CodeVerifier string `json:"code_verifier"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         any    `json:"user"`
}

type userRecord struct {
	ID    string `json:"id"`
	Aud   string `json:"aud"`
	Role  string `json:"role"`
	Email string `json:"email"`
}

// handleToken redeems codes and refresh tokens. grant_type comes from
// the query string, or the form body for authorization_code clients
// that send it there.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	grantType := r.URL.Query().Get("grant_type")
	if grantType == "" {
		grantType = r.FormValue("grant_type")
	}

	var userID string

	switch grantType {
	case "pkce":
		var req pkceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		ac, ok := s.redeem(w, req.AuthCode, req.CodeVerifier)
		if !ok {
			return
		}

		userID = ac.UserID

	case "authorization_code":
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return
		}

		if s.opts.ClientID != "" && r.FormValue("client_id") != s.opts.ClientID {
			writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
			return
		}

		ac, ok := s.redeem(w, r.FormValue("code"), r.FormValue("code_verifier"))
		if !ok {
			return
		}

		if ac.RedirectTo != r.FormValue("redirect_uri") {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
			return
		}

		userID = ac.UserID

	case "refresh_token":
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
			return
		}

		ti := s.store.ConsumeRefresh(req.RefreshToken)
		if ti == nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "Invalid Refresh Token: Refresh Token Not Found")
			return
		}

		userID = ti.UserID

	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
		return
	}

	s.store.recordGrant(grantType)
	s.logger.Debug("idptest: token issued", slog.String("grant_type", grantType))

	writeJSON(w, http.StatusOK, s.issue(userID))
}

// redeem consumes code and checks verifier against its challenge. On
// failure it writes the error response and returns false.
func (s *Server) redeem(w http.ResponseWriter, code, verifier string) (*AuthCode, bool) {
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "auth code is required")
		return nil, false
	}

	ac := s.store.ConsumeCode(code)
	if ac == nil {
		writeJSONError(w, http.StatusNotFound, "flow_state_not_found", "invalid flow state, no valid flow state found")
		return nil, false
	}

	if verifier == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
		return nil, false
	}

	if !verifyPKCE(verifier, ac.CodeChallenge) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code challenge does not match previously saved code verifier")
		return nil, false
	}

	return ac, true
}

func (s *Server) issue(userID string) tokenResponse {
	now := time.Now()
	ti := &TokenInfo{
		Token:        RandomHex(32),
		RefreshToken: RandomHex(16),
		UserID:       userID,
		ExpiresAt:    now.Add(s.opts.TokenTTL),
	}
	s.store.SaveToken(ti)

	return tokenResponse{
		AccessToken:  ti.Token,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.opts.TokenTTL / time.Second),
		ExpiresAt:    ti.ExpiresAt.Unix(),
		RefreshToken: ti.RefreshToken,
		User: userRecord{
			ID:    userID,
			Aud:   "authenticated",
			Role:  "authenticated",
			Email: s.opts.User.Email,
		},
	}
}

// handleLogout revokes every token belonging to the caller.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := RequestUserID(r.Context())
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "no_authorization", "This endpoint requires a valid user session")
		return
	}

	n := s.store.RevokeUser(userID)
	s.logger.Debug("idptest: logout", slog.Int("revoked", n))

	w.WriteHeader(http.StatusNoContent)
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return computed == challenge
}
