// Package auth manages per-owner mailbox credentials: persistence, token
// refresh, and JWT verification for the HTTP surface.
package auth

import (
	"time"
)

// Credential holds the OAuth2 tokens for one mailbox owner. An owner is
// either an organization-level mailbox or an individual agent mailbox.
// Expiry is always an upper bound on access-token validity.
type Credential struct {
	OwnerID      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time
	Revoked      bool
}

// Valid reports whether the access token is still usable with at least
// margin of lifetime left.
func (c *Credential) Valid(margin time.Duration) bool {
	if c.Revoked || c.AccessToken == "" {
		return false
	}
	return time.Until(c.Expiry) > margin
}
