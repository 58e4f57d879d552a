package repository

import (
	"context"
	"time"

	"firmhub/security-core/internal/ledger/domain"
)

// Repository defines persistence for audit records. Records are append-only;
// there is no update or delete.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Record, error)
	// GetLastInScope returns the newest record for the scope by timestamp
	// (id breaks ties), or nil if the scope has no records.
	GetLastInScope(ctx context.Context, scope string) (*domain.Record, error)
	Append(ctx context.Context, r *domain.Record) error
	// ListByScope returns records for the scope ordered by timestamp then id,
	// restricted to [from, to] when those are non-zero.
	ListByScope(ctx context.Context, scope string, from, to time.Time, limit, offset int32) ([]*domain.Record, error)
	// CountByScope returns the total records and the subset carrying integrity
	// data for the scope and range.
	CountByScope(ctx context.Context, scope string, from, to time.Time) (total, withIntegrity int64, err error)
}
