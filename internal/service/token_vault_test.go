package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradebench/broker-auth/internal/crypto"
	"github.com/tradebench/broker-auth/internal/domain"
)

type fakeTokenRepo struct {
	tokens   map[int64]domain.OAuthToken
	nextID   int64
	replaced int
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: map[int64]domain.OAuthToken{}}
}

func (r *fakeTokenRepo) Replace(_ context.Context, token domain.OAuthToken) (domain.OAuthToken, error) {
	r.replaced++
	r.nextID++
	token.ID = r.nextID
	delete(r.tokens, token.ConfigID)
	r.tokens[token.ConfigID] = token
	return token, nil
}

func (r *fakeTokenRepo) GetByConfigID(_ context.Context, configID int64) (domain.OAuthToken, error) {
	token, ok := r.tokens[configID]
	if !ok {
		return domain.OAuthToken{}, fmt.Errorf("token for config %d: %w", configID, domain.ErrNotFound)
	}
	return token, nil
}

func (r *fakeTokenRepo) DeleteByConfigID(_ context.Context, configID int64) error {
	delete(r.tokens, configID)
	return nil
}

func (r *fakeTokenRepo) ListExpiringBefore(_ context.Context, cutoff time.Time) ([]domain.OAuthToken, error) {
	var out []domain.OAuthToken
	for _, token := range r.tokens {
		if token.ExpiresAt.Before(cutoff) {
			out = append(out, token)
		}
	}
	return out, nil
}

func newTestVault(t *testing.T, repo *fakeTokenRepo, now time.Time) *TokenVault {
	t.Helper()
	cipher, err := crypto.New(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	vault := NewTokenVault(cipher, repo)
	vault.now = func() time.Time { return now }
	return vault
}

func TestTokenVaultStoreEncryptsAtRest(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)

	stored, err := vault.Store(context.Background(), 7, domain.TokenSet{
		AccessToken:  "access-token-plaintext",
		RefreshToken: "refresh-token-plaintext",
		ExpiresIn:    3600,
		BrokerUserID: "ZD1234",
	})
	require.NoError(t, err)

	require.NotEqual(t, "access-token-plaintext", stored.EncryptedAccessToken)
	require.NotEqual(t, "refresh-token-plaintext", stored.EncryptedRefreshToken)
	require.NotContains(t, stored.EncryptedAccessToken, "plaintext")

	access, err := vault.AccessToken(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "access-token-plaintext", access)

	refresh, err := vault.RefreshToken(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "refresh-token-plaintext", refresh)
}

func TestTokenVaultExpirySafetyBuffer(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)

	stored, err := vault.Store(context.Background(), 1, domain.TokenSet{
		AccessToken: "tok",
		ExpiresIn:   3600,
	})
	require.NoError(t, err)
	require.Equal(t, now.Add(59*time.Minute), stored.ExpiresAt)
}

func TestTokenVaultLifetimeShorterThanBuffer(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)

	stored, err := vault.Store(context.Background(), 1, domain.TokenSet{
		AccessToken: "tok",
		ExpiresIn:   30,
	})
	require.NoError(t, err)
	require.Equal(t, now, stored.ExpiresAt)

	_, err = vault.AccessToken(context.Background(), 1)
	require.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestTokenVaultAccessTokenExpiryBoundaryIsInclusive(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)

	_, err := vault.Store(context.Background(), 3, domain.TokenSet{
		AccessToken: "tok",
		ExpiresIn:   3600,
	})
	require.NoError(t, err)

	// One nanosecond before expiry the token is still served.
	vault.now = func() time.Time { return now.Add(59*time.Minute - time.Nanosecond) }
	_, err = vault.AccessToken(context.Background(), 3)
	require.NoError(t, err)

	// At the exact expiry instant it is already expired.
	vault.now = func() time.Time { return now.Add(59 * time.Minute) }
	_, err = vault.AccessToken(context.Background(), 3)
	require.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestTokenVaultRefreshTokenSkipsExpiryCheck(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)

	_, err := vault.Store(context.Background(), 5, domain.TokenSet{
		AccessToken:  "tok",
		RefreshToken: "refresh-still-good",
		ExpiresIn:    3600,
	})
	require.NoError(t, err)

	vault.now = func() time.Time { return now.Add(48 * time.Hour) }
	_, err = vault.AccessToken(context.Background(), 5)
	require.ErrorIs(t, err, domain.ErrTokenExpired)

	refresh, err := vault.RefreshToken(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, "refresh-still-good", refresh)
}

func TestTokenVaultRefreshTokenAbsent(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)

	_, err := vault.Store(context.Background(), 5, domain.TokenSet{
		AccessToken: "tok",
		ExpiresIn:   3600,
	})
	require.NoError(t, err)

	_, err = vault.RefreshToken(context.Background(), 5)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTokenVaultStatus(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)
	ctx := context.Background()

	status, err := vault.Status(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, domain.TokenStatusNone, status)

	_, err = vault.Store(ctx, 9, domain.TokenSet{AccessToken: "tok", ExpiresIn: 6 * 3600})
	require.NoError(t, err)

	status, err = vault.Status(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, domain.TokenStatusValid, status)

	vault.now = func() time.Time { return now.Add(5 * time.Hour) }
	status, err = vault.Status(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, domain.TokenStatusExpiringSoon, status)

	vault.now = func() time.Time { return now.Add(7 * time.Hour) }
	status, err = vault.Status(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, domain.TokenStatusExpired, status)
}

func TestTokenVaultStoreReplacesSingleRow(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)
	ctx := context.Background()

	_, err := vault.Store(ctx, 2, domain.TokenSet{AccessToken: "first", ExpiresIn: 3600})
	require.NoError(t, err)
	_, err = vault.Store(ctx, 2, domain.TokenSet{AccessToken: "second", ExpiresIn: 3600})
	require.NoError(t, err)

	require.Len(t, repo.tokens, 1)
	access, err := vault.AccessToken(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "second", access)
}

func TestTokenVaultDelete(t *testing.T) {
	repo := newFakeTokenRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vault := newTestVault(t, repo, now)
	ctx := context.Background()

	_, err := vault.Store(ctx, 4, domain.TokenSet{AccessToken: "tok", ExpiresIn: 3600})
	require.NoError(t, err)
	require.NoError(t, vault.Delete(ctx, 4))

	_, err = vault.AccessToken(ctx, 4)
	require.True(t, errors.Is(err, domain.ErrNotFound))
}
