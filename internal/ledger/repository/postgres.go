package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"firmhub/security-core/internal/ledger/domain"
)

const recordColumns = "id, action, actor_id, entity_type, entity_id, tenant_id, details, ts, previous_hash, hash, signature, algorithm, version"

// PostgresRepository persists audit records in the audit_records table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit record repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the record for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM audit_records WHERE id = $1", id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// GetLastInScope returns the newest record for the scope, or nil if none exists.
func (r *PostgresRepository) GetLastInScope(ctx context.Context, scope string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE COALESCE(tenant_id, '"+domain.ScopeSentinel+"') = $1 ORDER BY ts DESC, id DESC LIMIT 1",
		scope,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// Append persists the record. The record must have ID and Timestamp set.
func (r *PostgresRepository) Append(ctx context.Context, rec *domain.Record) error {
	var detailsJSON []byte
	if rec.Details != nil {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("marshaling record details: %w", err)
		}
		detailsJSON = b
	}

	var prevHash, hash, signature, algorithm, version sql.NullString
	if rec.Integrity != nil {
		prevHash = sql.NullString{String: rec.Integrity.PreviousHash, Valid: true}
		hash = sql.NullString{String: rec.Integrity.Hash, Valid: true}
		signature = sql.NullString{String: rec.Integrity.Signature, Valid: true}
		algorithm = sql.NullString{String: rec.Integrity.Algorithm, Valid: true}
		version = sql.NullString{String: rec.Integrity.Version, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.Action, rec.ActorID, rec.EntityType, rec.EntityID,
		sql.NullString{String: rec.TenantID, Valid: rec.TenantID != ""},
		detailsJSON, rec.Timestamp, prevHash, hash, signature, algorithm, version,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// ListByScope returns records for the scope ordered by timestamp then id.
func (r *PostgresRepository) ListByScope(ctx context.Context, scope string, from, to time.Time, limit, offset int32) ([]*domain.Record, error) {
	where := "WHERE COALESCE(tenant_id, '" + domain.ScopeSentinel + "') = $1"
	args := []any{scope}
	argIdx := 2

	if !from.IsZero() {
		where += " AND ts >= $" + strconv.Itoa(argIdx)
		args = append(args, from)
		argIdx++
	}
	if !to.IsZero() {
		where += " AND ts <= $" + strconv.Itoa(argIdx)
		args = append(args, to)
		argIdx++
	}

	query := fmt.Sprintf(
		"SELECT "+recordColumns+" FROM audit_records %s ORDER BY ts ASC, id ASC LIMIT $%d OFFSET $%d",
		where, argIdx, argIdx+1,
	)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByScope returns the total records and the subset with integrity data.
func (r *PostgresRepository) CountByScope(ctx context.Context, scope string, from, to time.Time) (total, withIntegrity int64, err error) {
	where := "WHERE COALESCE(tenant_id, '" + domain.ScopeSentinel + "') = $1"
	args := []any{scope}
	argIdx := 2

	if !from.IsZero() {
		where += " AND ts >= $" + strconv.Itoa(argIdx)
		args = append(args, from)
		argIdx++
	}
	if !to.IsZero() {
		where += " AND ts <= $" + strconv.Itoa(argIdx)
		args = append(args, to)
	}

	query := "SELECT COUNT(*), COUNT(hash) FROM audit_records " + where
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total, &withIntegrity); err != nil {
		return 0, 0, err
	}
	return total, withIntegrity, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var (
		rec         domain.Record
		tenantID    sql.NullString
		detailsJSON []byte
		prevHash    sql.NullString
		hash        sql.NullString
		signature   sql.NullString
		algorithm   sql.NullString
		version     sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.Action, &rec.ActorID, &rec.EntityType, &rec.EntityID,
		&tenantID, &detailsJSON, &rec.Timestamp,
		&prevHash, &hash, &signature, &algorithm, &version,
	)
	if err != nil {
		return nil, err
	}
	if tenantID.Valid {
		rec.TenantID = tenantID.String
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &rec.Details); err != nil {
			return nil, fmt.Errorf("unmarshaling record details: %w", err)
		}
	}
	if hash.Valid && hash.String != "" {
		rec.Integrity = &domain.Integrity{
			PreviousHash: prevHash.String,
			Hash:         hash.String,
			Signature:    signature.String,
			Algorithm:    algorithm.String,
			Version:      version.String,
		}
	}
	return &rec, nil
}
