package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"firmhub/security-core/internal/token/domain"
)

const credentialColumns = "id, token_hash, owner_id, tenant_id, family, rotated_from, issued_at, expires_at, last_used_at, revoked, revoked_reason, revoked_at, device_ip, device_user_agent, device_id"

// PostgresRepository persists renewal credentials in the renewal_credentials table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a credential repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the credential for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM renewal_credentials WHERE id = $1", id)
	return scanCredentialOrNil(row)
}

// GetByTokenHash returns the credential whose stored hash matches, or nil if not found.
func (r *PostgresRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM renewal_credentials WHERE token_hash = $1", tokenHash)
	return scanCredentialOrNil(row)
}

// GetLatestInFamily returns the most recently issued credential in the family, or nil.
func (r *PostgresRepository) GetLatestInFamily(ctx context.Context, family string) (*domain.Credential, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+credentialColumns+" FROM renewal_credentials WHERE family = $1 ORDER BY issued_at DESC, id DESC LIMIT 1",
		family,
	)
	return scanCredentialOrNil(row)
}

// Create persists the credential. The credential must have ID and TokenHash set.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Credential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO renewal_credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.TokenHash, c.OwnerID,
		sql.NullString{String: c.TenantID, Valid: c.TenantID != ""},
		c.Family,
		sql.NullString{String: c.RotatedFrom, Valid: c.RotatedFrom != ""},
		c.IssuedAt, c.ExpiresAt, timeToNullTime(c.LastUsedAt),
		c.Revoked,
		sql.NullString{String: string(c.RevokedReason), Valid: c.RevokedReason != ""},
		timeToNullTime(c.RevokedAt),
		c.Device.IP, c.Device.UserAgent, c.Device.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

// UpdateLastUsed sets the credential's last-used timestamp. Returns an error if the update fails.
func (r *PostgresRepository) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE renewal_credentials SET last_used_at = $2 WHERE id = $1", id, at)
	return err
}

// Revoke marks the credential revoked with the given reason and returns how
// many rows changed. Rows already revoked are untouched, so a zero return
// means another writer revoked the credential first.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, reason domain.RevokedReason, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE renewal_credentials
		SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE id = $1 AND NOT revoked`,
		id, string(reason), at,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RevokeFamily revokes every non-revoked credential in the family. One indexed
// fan-out by family id; rotated_from links are never walked.
func (r *PostgresRepository) RevokeFamily(ctx context.Context, family string, reason domain.RevokedReason, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE renewal_credentials
		SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE family = $1 AND NOT revoked`,
		family, string(reason), at,
	)
	return err
}

// RevokeAllForOwner revokes every non-revoked, non-expired credential for the
// owner. Already revoked or expired rows keep their prior state.
func (r *PostgresRepository) RevokeAllForOwner(ctx context.Context, ownerID string, reason domain.RevokedReason, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE renewal_credentials
		SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE owner_id = $1 AND NOT revoked AND expires_at > $3`,
		ownerID, string(reason), at,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListByOwner returns credentials for the owner, optionally filtered by tenant,
// newest first, with limit and offset.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID, tenantID string, limit, offset int32) ([]*domain.Credential, error) {
	query := "SELECT " + credentialColumns + " FROM renewal_credentials WHERE owner_id = $1"
	args := []any{ownerID}
	if tenantID != "" {
		query += " AND tenant_id = $2 ORDER BY issued_at DESC LIMIT $3 OFFSET $4"
		args = append(args, tenantID, limit, offset)
	} else {
		query += " ORDER BY issued_at DESC LIMIT $2 OFFSET $3"
		args = append(args, limit, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteExpiredBefore deletes up to limit credentials expired before cutoff.
func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time, limit int32) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM renewal_credentials
		WHERE id IN (
			SELECT id FROM renewal_credentials WHERE expires_at < $1 LIMIT $2
		)`,
		cutoff, limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredentialOrNil(row rowScanner) (*domain.Credential, error) {
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func scanCredential(row rowScanner) (*domain.Credential, error) {
	var (
		c             domain.Credential
		tenantID      sql.NullString
		rotatedFrom   sql.NullString
		lastUsedAt    sql.NullTime
		revokedReason sql.NullString
		revokedAt     sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.TokenHash, &c.OwnerID, &tenantID, &c.Family, &rotatedFrom,
		&c.IssuedAt, &c.ExpiresAt, &lastUsedAt,
		&c.Revoked, &revokedReason, &revokedAt,
		&c.Device.IP, &c.Device.UserAgent, &c.Device.DeviceID,
	)
	if err != nil {
		return nil, err
	}
	if tenantID.Valid {
		c.TenantID = tenantID.String
	}
	if rotatedFrom.Valid {
		c.RotatedFrom = rotatedFrom.String
	}
	c.LastUsedAt = nullTimeToPtr(lastUsedAt)
	if revokedReason.Valid {
		c.RevokedReason = domain.RevokedReason(revokedReason.String)
	}
	c.RevokedAt = nullTimeToPtr(revokedAt)
	return &c, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
