package sweeper

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_audit.go -package=mocks github.com/mattjoyce/molt/internal/sweeper AuditStore

// AuditStore defines the interface for audit pruning used by the sweeper.
type AuditStore interface {
	PruneCallLog(ctx context.Context, retention time.Duration) (int64, error)
	PruneEventLog(ctx context.Context, retention time.Duration) (int64, error)
}
