package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradebench/broker-auth/internal/crypto"
	"github.com/tradebench/broker-auth/internal/domain"
	"github.com/tradebench/broker-auth/internal/repository"
)

const (
	// expirySafetyBuffer is subtracted from the broker-reported lifetime so a
	// token is never handed out in its final seconds.
	expirySafetyBuffer = time.Minute
	// expiringSoonWindow classifies tokens the sweeper should refresh.
	expiringSoonWindow = time.Hour
)

// TokenVault encrypts and persists the delegated token set for each config.
type TokenVault struct {
	cipher *crypto.Cipher
	repo   repository.TokenRepository
	now    func() time.Time
}

func NewTokenVault(cipher *crypto.Cipher, repo repository.TokenRepository) *TokenVault {
	return &TokenVault{cipher: cipher, repo: repo, now: time.Now}
}

// Store encrypts both tokens and replaces the config's token row. The prior
// row is deleted, never updated in place.
func (v *TokenVault) Store(ctx context.Context, configID int64, set domain.TokenSet) (domain.OAuthToken, error) {
	encryptedAccess, err := v.cipher.Encrypt(set.AccessToken)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("encrypt access token: %w", err)
	}
	encryptedRefresh := ""
	if set.RefreshToken != "" {
		encryptedRefresh, err = v.cipher.Encrypt(set.RefreshToken)
		if err != nil {
			return domain.OAuthToken{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	lifetime := time.Duration(set.ExpiresIn)*time.Second - expirySafetyBuffer
	if lifetime < 0 {
		lifetime = 0
	}

	token := domain.OAuthToken{
		ConfigID:              configID,
		EncryptedAccessToken:  encryptedAccess,
		EncryptedRefreshToken: encryptedRefresh,
		TokenType:             set.TokenType,
		ExpiresAt:             v.now().UTC().Add(lifetime),
		Scope:                 set.Scope,
		BrokerUserID:          set.BrokerUserID,
	}
	stored, err := v.repo.Replace(ctx, token)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("store token: %w", err)
	}
	return stored, nil
}

// AccessToken returns the decrypted access token. The expiry boundary is
// inclusive: a token expiring exactly now is already expired.
func (v *TokenVault) AccessToken(ctx context.Context, configID int64) (string, error) {
	token, err := v.repo.GetByConfigID(ctx, configID)
	if err != nil {
		return "", err
	}
	if !v.now().UTC().Before(token.ExpiresAt) {
		return "", fmt.Errorf("token for config %d: %w", configID, domain.ErrTokenExpired)
	}
	return v.cipher.Decrypt(token.EncryptedAccessToken)
}

// RefreshToken returns the decrypted refresh token without an expiry check;
// refresh tokens legitimately outlive access tokens.
func (v *TokenVault) RefreshToken(ctx context.Context, configID int64) (string, error) {
	token, err := v.repo.GetByConfigID(ctx, configID)
	if err != nil {
		return "", err
	}
	if token.EncryptedRefreshToken == "" {
		return "", fmt.Errorf("refresh token for config %d: %w", configID, domain.ErrNotFound)
	}
	return v.cipher.Decrypt(token.EncryptedRefreshToken)
}

// Status classifies the stored token without decrypting it.
func (v *TokenVault) Status(ctx context.Context, configID int64) (domain.TokenStatus, error) {
	token, err := v.repo.GetByConfigID(ctx, configID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TokenStatusNone, nil
		}
		return "", err
	}

	remaining := token.ExpiresAt.Sub(v.now().UTC())
	switch {
	case remaining <= 0:
		return domain.TokenStatusExpired, nil
	case remaining < expiringSoonWindow:
		return domain.TokenStatusExpiringSoon, nil
	default:
		return domain.TokenStatusValid, nil
	}
}

// Delete removes the config's token row.
func (v *TokenVault) Delete(ctx context.Context, configID int64) error {
	return v.repo.DeleteByConfigID(ctx, configID)
}
