package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradebench/broker-auth/internal/domain"
)

func newTestSweeper(h *connHarness) *Sweeper {
	return NewSweeper(h.tokens, h.configs, h.service, time.Minute, zap.NewNop())
}

func TestSweepRefreshesExpiringConnectedConfig(t *testing.T) {
	h := newConnHarness(t)
	ctx := context.Background()
	h.broker.exchangeResult = brokerResult{set: &domain.TokenSet{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    30 * 60, // expires inside the sweep window
		BrokerUserID: "ZD1234",
	}}

	setup, err := h.service.Setup(ctx, validSetupInput())
	require.NoError(t, err)
	_, err = h.service.Callback(ctx, CallbackInput{
		ConfigID:     setup.ConfigID,
		RequestToken: "req-token",
		State:        setup.State,
	})
	require.NoError(t, err)

	h.broker.refreshQueue = []brokerResult{{set: &domain.TokenSet{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresIn:    24 * 3600,
	}}}

	newTestSweeper(h).Sweep(ctx)
	require.Equal(t, 1, h.broker.refreshCalls)

	status, err := h.service.Status(ctx, setup.ConfigID)
	require.NoError(t, err)
	require.Equal(t, domain.TokenStatusValid, status.TokenStatus)
}

func TestSweepSkipsHealthyTokens(t *testing.T) {
	h := newConnHarness(t)
	h.connect(t) // 24h lifetime, outside the sweep window

	newTestSweeper(h).Sweep(context.Background())
	require.Zero(t, h.broker.refreshCalls)
}

func TestSweepPurgesExpiredTokenOfReauthConfig(t *testing.T) {
	h := newConnHarness(t)
	ctx := context.Background()
	setup := h.connect(t)

	// Force the config into the permanent error state with an expired row.
	h.broker.refreshQueue = []brokerResult{{err: domain.ErrCredential}}
	require.Error(t, h.service.Refresh(ctx, setup.ConfigID, RequestMeta{}))

	token := h.tokens.tokens[setup.ConfigID]
	token.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	h.tokens.tokens[setup.ConfigID] = token

	newTestSweeper(h).Sweep(ctx)
	require.Empty(t, h.tokens.tokens)
}

func TestSweepPurgesOrphanRows(t *testing.T) {
	h := newConnHarness(t)
	ctx := context.Background()

	h.tokens.tokens[99] = domain.OAuthToken{
		ConfigID:  99,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}

	newTestSweeper(h).Sweep(ctx)
	require.Empty(t, h.tokens.tokens)
}
