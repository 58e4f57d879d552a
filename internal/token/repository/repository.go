package repository

import (
	"context"
	"time"

	"firmhub/security-core/internal/token/domain"
)

// Repository defines persistence for renewal credentials.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Credential, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Credential, error)
	// GetLatestInFamily returns the most recently issued credential in the
	// family, or nil if the family has no rows.
	GetLatestInFamily(ctx context.Context, family string) (*domain.Credential, error)
	Create(ctx context.Context, c *domain.Credential) error
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
	// Revoke marks one credential revoked and reports whether a row changed.
	// Rows already revoked are left untouched and count as zero; callers use
	// that to detect losing a revocation race.
	Revoke(ctx context.Context, id string, reason domain.RevokedReason, at time.Time) (int64, error)
	// RevokeFamily revokes every non-revoked credential sharing the family id.
	RevokeFamily(ctx context.Context, family string, reason domain.RevokedReason, at time.Time) error
	// RevokeAllForOwner revokes every non-revoked, non-expired credential for
	// the owner and returns how many rows changed.
	RevokeAllForOwner(ctx context.Context, ownerID string, reason domain.RevokedReason, at time.Time) (int64, error)
	ListByOwner(ctx context.Context, ownerID, tenantID string, limit, offset int32) ([]*domain.Credential, error)
	// DeleteExpiredBefore deletes up to limit credentials whose expiry is
	// before cutoff and returns how many rows were deleted.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time, limit int32) (int64, error)
}
