package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/tradebench/broker-auth/internal/domain"
)

const (
	statePrefix = "csrf:state:"
	formPrefix  = "csrf:form:"

	// StateTTL bounds the handshake: a callback arriving later fails closed.
	StateTTL = 5 * time.Minute
	// FormTokenTTL guards the setup form itself, independent of OAuth state.
	FormTokenTTL = 30 * time.Minute

	stateBytes = 32
)

// Record binds one authorization request to its callback.
type Record struct {
	ConfigID    int64     `json:"config_id"`
	State       string    `json:"state"`
	Status      string    `json:"status"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StateStore persists records with a TTL. Consume removes the record
// atomically and returns nil when it is absent or already consumed.
type StateStore interface {
	Save(ctx context.Context, key string, record Record, ttl time.Duration) error
	Consume(ctx context.Context, key string) (*Record, error)
}

// Manager issues and single-use-verifies opaque state tokens. Records are
// keyed by config, so at most one handshake is in flight per config and a new
// Generate invalidates the previous state.
type Manager struct {
	store StateStore
}

func NewManager(store StateStore) *Manager {
	return &Manager{store: store}
}

// Generate persists a fresh 256-bit state for the config and returns it.
func (m *Manager) Generate(ctx context.Context, configID int64, redirectURI string) (string, error) {
	state, err := randomToken(stateBytes)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	now := time.Now().UTC()
	record := Record{
		ConfigID:    configID,
		State:       state,
		Status:      "pending",
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(StateTTL),
	}
	if err := m.store.Save(ctx, stateKey(configID), record, StateTTL); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}
	return state, nil
}

// Verify consumes the record for the config regardless of outcome, so a
// replayed state always fails. Expiry is treated identically to a mismatch.
func (m *Manager) Verify(ctx context.Context, configID int64, providedState string) error {
	record, err := m.store.Consume(ctx, stateKey(configID))
	if err != nil {
		return fmt.Errorf("consume state: %w", err)
	}
	if record == nil {
		return fmt.Errorf("%w: no pending state", domain.ErrCSRF)
	}
	if time.Now().UTC().After(record.ExpiresAt) {
		return fmt.Errorf("%w: state expired", domain.ErrCSRF)
	}
	if subtle.ConstantTimeCompare([]byte(record.State), []byte(providedState)) != 1 {
		return fmt.Errorf("%w: state mismatch", domain.ErrCSRF)
	}
	return nil
}

// IssueFormToken returns a token tying a setup submission to the identity
// that requested the form.
func (m *Manager) IssueFormToken(ctx context.Context, identity string) (string, error) {
	token, err := randomToken(stateBytes)
	if err != nil {
		return "", fmt.Errorf("generate form token: %w", err)
	}
	now := time.Now().UTC()
	record := Record{
		State:     token,
		Status:    "pending",
		CreatedAt: now,
		ExpiresAt: now.Add(FormTokenTTL),
	}
	if err := m.store.Save(ctx, formPrefix+identity, record, FormTokenTTL); err != nil {
		return "", fmt.Errorf("persist form token: %w", err)
	}
	return token, nil
}

// VerifyFormToken consumes and checks a setup form token.
func (m *Manager) VerifyFormToken(ctx context.Context, identity, token string) error {
	record, err := m.store.Consume(ctx, formPrefix+identity)
	if err != nil {
		return fmt.Errorf("consume form token: %w", err)
	}
	if record == nil || time.Now().UTC().After(record.ExpiresAt) {
		return fmt.Errorf("%w: form token missing or expired", domain.ErrCSRF)
	}
	if subtle.ConstantTimeCompare([]byte(record.State), []byte(token)) != 1 {
		return fmt.Errorf("%w: form token mismatch", domain.ErrCSRF)
	}
	return nil
}

func stateKey(configID int64) string {
	return statePrefix + strconv.FormatInt(configID, 10)
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
