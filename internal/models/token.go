package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Token is the identity-provider ID token used for both REST and realtime auth.
type Token struct {
	IDToken   string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token is usable for at least margin more.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	return t.IDToken != "" && now.Add(margin).Before(t.ExpiresAt)
}

// Fingerprint is a short, log-safe identifier of the token.
func (t Token) Fingerprint() string {
	if t.IDToken == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(t.IDToken))
	return hex.EncodeToString(sum[:4])
}

// Credential is the durable part of a session, keyed by account.
type Credential struct {
	Account      string    `json:"account"`
	UserID       string    `json:"user_id"`
	RefreshToken string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}
