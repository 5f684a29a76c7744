package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tradebench/broker-auth/internal/domain"
)

// Repository appends entries to the audit table.
type Repository interface {
	Insert(ctx context.Context, entry domain.AuditLogEntry) error
}

// Logger records every lifecycle action. Entries are sanitized before they
// leave this package; a failed write is logged but never fails the operation
// being audited.
type Logger struct {
	repo   Repository
	logger *zap.Logger
}

func NewLogger(repo Repository, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.L()
	}
	return &Logger{repo: repo, logger: logger}
}

// Record sanitizes and persists one lifecycle event.
func (l *Logger) Record(ctx context.Context, entry domain.AuditLogEntry) {
	entry.Details = Sanitize(entry.Details)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if err := l.repo.Insert(ctx, entry); err != nil {
		l.logger.Error("audit write failed",
			zap.String("action", entry.Action),
			zap.String("status", entry.Status),
			zap.Error(err),
		)
		return
	}

	l.logger.Info("audit",
		zap.String("action", entry.Action),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID),
		zap.Any("details", entry.Details),
	)
}
