package csrf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradebench/broker-auth/internal/domain"
)

func TestManagerGenerateVerify(t *testing.T) {
	m := NewManager(NewMemoryStateStore())
	ctx := context.Background()

	state, err := m.Generate(ctx, 42, "https://app.example.com/callback")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(state), 43) // 32 bytes base64url

	require.NoError(t, m.Verify(ctx, 42, state))
}

func TestManagerVerifyConsumesOnSuccess(t *testing.T) {
	m := NewManager(NewMemoryStateStore())
	ctx := context.Background()

	state, err := m.Generate(ctx, 1, "")
	require.NoError(t, err)
	require.NoError(t, m.Verify(ctx, 1, state))

	err = m.Verify(ctx, 1, state)
	require.True(t, errors.Is(err, domain.ErrCSRF))
}

func TestManagerVerifyConsumesOnMismatch(t *testing.T) {
	m := NewManager(NewMemoryStateStore())
	ctx := context.Background()

	state, err := m.Generate(ctx, 1, "")
	require.NoError(t, err)

	err = m.Verify(ctx, 1, "forged-state")
	require.True(t, errors.Is(err, domain.ErrCSRF))

	// The record was consumed by the failed attempt, so even the genuine
	// state can no longer be replayed.
	err = m.Verify(ctx, 1, state)
	require.True(t, errors.Is(err, domain.ErrCSRF))
}

func TestManagerNewGenerateInvalidatesPriorHandshake(t *testing.T) {
	m := NewManager(NewMemoryStateStore())
	ctx := context.Background()

	first, err := m.Generate(ctx, 7, "")
	require.NoError(t, err)
	second, err := m.Generate(ctx, 7, "")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	err = m.Verify(ctx, 7, first)
	require.True(t, errors.Is(err, domain.ErrCSRF))
}

func TestManagerVerifyExpiredState(t *testing.T) {
	store := NewMemoryStateStore()
	m := NewManager(store)
	ctx := context.Background()

	record := Record{
		ConfigID:  9,
		State:     "expired-state",
		Status:    "pending",
		CreatedAt: time.Now().Add(-10 * time.Minute),
		ExpiresAt: time.Now().Add(-5 * time.Minute),
	}
	require.NoError(t, store.Save(ctx, "csrf:state:9", record, time.Minute))

	err := m.Verify(ctx, 9, "expired-state")
	require.True(t, errors.Is(err, domain.ErrCSRF))
}

func TestFormTokenRoundTrip(t *testing.T) {
	m := NewManager(NewMemoryStateStore())
	ctx := context.Background()

	token, err := m.IssueFormToken(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, m.VerifyFormToken(ctx, "user-1", token))

	err = m.VerifyFormToken(ctx, "user-1", token)
	require.True(t, errors.Is(err, domain.ErrCSRF))
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "k", Record{State: "s"}, -time.Second))

	store.Sweep()
	record, err := store.Consume(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, record)
}
