package repository

import (
	"context"
	"time"

	"github.com/tradebench/broker-auth/internal/domain"
)

// ConfigRepository persists broker configs and their status transitions.
type ConfigRepository interface {
	Create(ctx context.Context, cfg domain.BrokerConfig) (domain.BrokerConfig, error)
	GetByID(ctx context.Context, id int64) (domain.BrokerConfig, error)
	GetByUserAndBroker(ctx context.Context, userID, brokerName string) (domain.BrokerConfig, error)
	ListByUser(ctx context.Context, userID string) ([]domain.BrokerConfig, error)
	ListByState(ctx context.Context, state domain.ConnectionState) ([]domain.BrokerConfig, error)
	UpdateStatus(ctx context.Context, id int64, status domain.ConnectionStatus, needsReauth bool) error
	TouchTokenRefresh(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
}

// TokenRepository persists at most one token row per config. Replace is
// delete-then-insert inside one transaction.
type TokenRepository interface {
	Replace(ctx context.Context, token domain.OAuthToken) (domain.OAuthToken, error)
	GetByConfigID(ctx context.Context, configID int64) (domain.OAuthToken, error)
	DeleteByConfigID(ctx context.Context, configID int64) error
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.OAuthToken, error)
}
