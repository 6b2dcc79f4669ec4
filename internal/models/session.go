// Package models defines types shared across internal packages.
package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Session is an authenticated session issued by the token endpoint.
// A Session is always replaced wholesale, never edited in place.
type Session struct {
	AccessToken          string          `json:"access_token"`
	RefreshToken         string          `json:"refresh_token,omitempty"`
	TokenType            string          `json:"token_type"`
	ExpiresIn            int64           `json:"expires_in"`
	ExpiresAt            int64           `json:"expires_at"`
	User                 json.RawMessage `json:"user"`
	ProviderToken        string          `json:"provider_token,omitempty"`
	ProviderRefreshToken string          `json:"provider_refresh_token,omitempty"`
}

// Expiry returns ExpiresAt as a time.
func (s *Session) Expiry() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// ExpiresWithin reports whether the session expires within margin of now.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return s.ExpiresAt-int64(margin/time.Second) <= now.Unix()
}

// HasUser reports whether the session carries an identity record.
func (s *Session) HasUser() bool {
	trimmed := bytes.TrimSpace(s.User)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// UserID returns user.id from the opaque identity record, or "".
func (s *Session) UserID() string {
	if !s.HasUser() {
		return ""
	}

	return gjson.GetBytes(s.User, "id").String()
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	c := *s
	if s.User != nil {
		c.User = append(json.RawMessage(nil), s.User...)
	}

	return &c
}
