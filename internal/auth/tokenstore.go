package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/helpdeskd/mailsync-infra/internal/mailbox"
)

// refreshMargin is how close to expiry a token gets before we refresh it
// proactively instead of racing the provider clock.
const refreshMargin = 2 * time.Minute

// TokenStore hands out valid credentials, refreshing them on demand.
// Refresh for a given owner is single-flight: concurrent callers share one
// in-progress refresh and its result.
type TokenStore struct {
	creds *CredentialStore
	cfg   *oauth2.Config
	group singleflight.Group
	retry mailbox.RetryConfig
}

// NewTokenStore creates a TokenStore around the persisted credentials and
// the OAuth2 client configuration for the provider's token endpoint.
func NewTokenStore(creds *CredentialStore, cfg *oauth2.Config) *TokenStore {
	return &TokenStore{
		creds: creds,
		cfg:   cfg,
		retry: mailbox.DefaultRetryConfig(),
	}
}

// GetValidCredential returns a credential guaranteed not expired,
// refreshing first when expiry is past or within the safety margin.
func (s *TokenStore) GetValidCredential(ctx context.Context, ownerID string) (*Credential, error) {
	c, err := s.creds.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if c.Revoked {
		return nil, fmt.Errorf("owner %s: %w", ownerID, mailbox.ErrCredentialRevoked)
	}
	if c.Valid(refreshMargin) {
		return c, nil
	}
	return s.Refresh(ctx, ownerID)
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result before returning it.
func (s *TokenStore) Refresh(ctx context.Context, ownerID string) (*Credential, error) {
	v, err, _ := s.group.Do(ownerID, func() (interface{}, error) {
		return s.refresh(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (s *TokenStore) refresh(ctx context.Context, ownerID string) (*Credential, error) {
	c, err := s.creds.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if c.Revoked {
		return nil, fmt.Errorf("owner %s: %w", ownerID, mailbox.ErrCredentialRevoked)
	}

	var tok *oauth2.Token
	delay := s.retry.InitialDelay
	for attempt := 1; ; attempt++ {
		// A fresh TokenSource per attempt: oauth2 caches the first
		// failure otherwise.
		src := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
		tok, err = src.Token()
		if err == nil {
			break
		}

		if isRefreshRejected(err) {
			log.Printf("token refresh rejected for owner %s, marking credential revoked", ownerID)
			if markErr := s.creds.MarkRevoked(ctx, ownerID); markErr != nil {
				log.Printf("failed to mark credential revoked for %s: %v", ownerID, markErr)
			}
			return nil, fmt.Errorf("owner %s: %w", ownerID, mailbox.ErrCredentialRevoked)
		}

		if attempt == s.retry.MaxAttempts {
			return nil, fmt.Errorf("owner %s after %d attempts: %w: %v", ownerID, attempt, mailbox.ErrRefreshFailed, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * s.retry.BackoffFactor)
	}

	c.AccessToken = tok.AccessToken
	c.Expiry = tok.Expiry
	if tok.TokenType != "" {
		c.TokenType = tok.TokenType
	}
	// Keep the stored refresh token unless the provider issued a new one.
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}

	if err := s.creds.Upsert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ExchangeCode performs the initial authorization-code exchange when an
// owner first connects a mailbox, and persists the resulting credential.
func (s *TokenStore) ExchangeCode(ctx context.Context, ownerID, code string) (*Credential, error) {
	tok, err := s.cfg.Exchange(ctx, code, oauth2.AccessTypeOffline)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed for owner %s: %w", ownerID, err)
	}

	c := &Credential{
		OwnerID:      ownerID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scopeOf(tok),
		Expiry:       tok.Expiry,
	}
	if err := s.creds.Upsert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// OAuthToken converts a credential to the oauth2 shape provider SDKs want.
func (c *Credential) OAuthToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// isRefreshRejected distinguishes the provider rejecting the refresh token
// (invalid_grant, 400/401) from transient token-endpoint failures. Anything
// else, including 408/429 and 5xx, falls through to the bounded retry loop;
// only a true grant rejection may revoke the credential.
func isRefreshRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == 400 || re.Response.StatusCode == 401
}

func scopeOf(tok *oauth2.Token) string {
	if s, ok := tok.Extra("scope").(string); ok {
		return s
	}
	return ""
}
