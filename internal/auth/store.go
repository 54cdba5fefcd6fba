package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CredentialStore persists credentials in the service database. The *sql.DB
// is opened by the caller (main.go) so the driver choice stays there.
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore prepares the credentials table and returns the store.
func NewCredentialStore(db *sql.DB) (*CredentialStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			owner_id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			token_type TEXT NOT NULL DEFAULT 'Bearer',
			scope TEXT NOT NULL DEFAULT '',
			expiry TIMESTAMP NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}
	return &CredentialStore{db: db}, nil
}

// Get loads the credential for an owner. Returns sql.ErrNoRows wrapped when
// the owner has never connected a mailbox.
func (s *CredentialStore) Get(ctx context.Context, ownerID string) (*Credential, error) {
	c := &Credential{}
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, access_token, refresh_token, token_type, scope, expiry, revoked
		FROM credentials WHERE owner_id = ?
	`, ownerID).Scan(&c.OwnerID, &c.AccessToken, &c.RefreshToken, &c.TokenType, &c.Scope, &c.Expiry, &revoked)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential for %s: %w", ownerID, err)
	}
	c.Revoked = revoked != 0
	return c, nil
}

// Upsert writes the credential, replacing any previous row for the owner.
func (s *CredentialStore) Upsert(ctx context.Context, c *Credential) error {
	revoked := 0
	if c.Revoked {
		revoked = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (owner_id, access_token, refresh_token, token_type, scope, expiry, revoked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			scope = excluded.scope,
			expiry = excluded.expiry,
			revoked = excluded.revoked,
			updated_at = excluded.updated_at
	`, c.OwnerID, c.AccessToken, c.RefreshToken, c.TokenType, c.Scope, c.Expiry, revoked, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert credential for %s: %w", c.OwnerID, err)
	}
	return nil
}

// MarkRevoked flags the owner's credential as requiring re-authorization.
func (s *CredentialStore) MarkRevoked(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET revoked = 1, updated_at = ? WHERE owner_id = ?
	`, time.Now().UTC(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to mark credential revoked for %s: %w", ownerID, err)
	}
	return nil
}
