package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tradebench/broker-auth/internal/domain"
	"github.com/tradebench/broker-auth/internal/repository"
)

// Sweeper periodically scans for tokens nearing expiry and refreshes them
// proactively, and purges rows already past expiry whose config is no longer
// connected. It runs cooperatively on a ticker, not per-token goroutines.
type Sweeper struct {
	tokens   repository.TokenRepository
	configs  repository.ConfigRepository
	service  *ConnectionService
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(
	tokens repository.TokenRepository,
	configs repository.ConfigRepository,
	service *ConnectionService,
	interval time.Duration,
	logger *zap.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		tokens:   tokens,
		configs:  configs,
		service:  service,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is done, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Failures are logged per config and never abort
// the rest of the pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(expiringSoonWindow)
	tokens, err := s.tokens.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("token sweep query failed", zap.Error(err))
		return
	}

	for _, token := range tokens {
		cfg, err := s.configs.GetByID(ctx, token.ConfigID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// orphan row, config already gone
				if err := s.tokens.DeleteByConfigID(ctx, token.ConfigID); err != nil {
					s.logger.Warn("orphan token purge failed", zap.Int64("config_id", token.ConfigID), zap.Error(err))
				}
			}
			continue
		}

		if cfg.ConnectionStatus.State != domain.StateConnected || cfg.NeedsReauth {
			if !time.Now().UTC().Before(token.ExpiresAt) {
				if err := s.tokens.DeleteByConfigID(ctx, token.ConfigID); err != nil {
					s.logger.Warn("expired token purge failed", zap.Int64("config_id", token.ConfigID), zap.Error(err))
				}
			}
			continue
		}

		if err := s.service.Refresh(ctx, cfg.ID, RequestMeta{UserAgent: "sweeper"}); err != nil {
			s.logger.Warn("proactive refresh failed",
				zap.Int64("config_id", cfg.ID),
				zap.Error(err),
			)
		}
	}
}
