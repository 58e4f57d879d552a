// Package ledger appends and verifies hash-chained audit records. Each record
// is bound to its predecessor within one tenant scope and independently signed,
// so retroactive alteration, removal, or reordering of history is detectable.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"firmhub/security-core/internal/ledger/domain"
	"firmhub/security-core/internal/ledger/repository"
	"firmhub/security-core/internal/metrics"
	"firmhub/security-core/internal/security"
)

// ErrEmptyAction is returned when an event has no action.
var ErrEmptyAction = errors.New("ledger: event action is required")

// verifyBatchSize is how many records a chain scan loads per query.
const verifyBatchSize = 500

// Event is the flat record any component supplies to log a security-relevant
// action. The ledger fills in the id, timestamp, and integrity block.
type Event struct {
	Action     string
	ActorID    string
	EntityType string
	EntityID   string
	TenantID   string
	Details    map[string]any
	// Timestamp is optional; the ledger uses the current time when zero.
	Timestamp time.Time
}

// VerifyReason classifies the outcome of record or chain verification.
type VerifyReason string

const (
	ReasonValid            VerifyReason = "valid"
	ReasonNoIntegrityData  VerifyReason = "no_integrity_data"
	ReasonHashMismatch     VerifyReason = "hash_mismatch"
	ReasonSignatureInvalid VerifyReason = "signature_invalid"
	ReasonChainBroken      VerifyReason = "chain_broken"
)

// Verification is the outcome of verifying a single record.
type Verification struct {
	Valid  bool
	Reason VerifyReason
}

// ChainError describes one verification failure found during a chain scan.
type ChainError struct {
	Index    int
	RecordID string
	Reason   VerifyReason
	Expected string // set for chain_broken
	Actual   string // set for chain_broken
}

// ChainResult is the outcome of verifying a scope's chain over a range.
// The scan does not stop at the first failure; Errors is the full accounting.
type ChainResult struct {
	Valid   bool
	Checked int
	Errors  []ChainError
}

// ComplianceReport certifies whether the log for a period is fully tamper-evident.
type ComplianceReport struct {
	Scope                string
	From, To             time.Time
	TotalRecords         int64
	RecordsWithIntegrity int64
	CoveragePercent      float64
	Chain                ChainResult
}

// Ledger is the append/verify service over the audit record repository.
// Appends to the same scope are serialized in-process so two concurrent
// appends never chain off the same predecessor.
type Ledger struct {
	repo   repository.Repository
	signer *security.ChainSigner
	log    *logrus.Logger

	mu         sync.Mutex
	scopeLocks map[string]*sync.Mutex
}

// New returns a Ledger over the given repository and signer.
func New(repo repository.Repository, signer *security.ChainSigner, log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{
		repo:       repo,
		signer:     signer,
		log:        log,
		scopeLocks: make(map[string]*sync.Mutex),
	}
}

// canonicalRecord is the serialization hashed for each record. Field order is
// fixed by the struct; Details is a map, which encoding/json marshals with
// sorted keys, so the representation is deterministic.
type canonicalRecord struct {
	Action       string         `json:"action"`
	ActorID      string         `json:"actor_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	TenantID     string         `json:"tenant_id"`
	Details      map[string]any `json:"details"`
	Timestamp    string         `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
}

// normalizeDetails round-trips details through JSON so the representation
// hashed at append time equals the one read back from storage (integers come
// back from JSONB as float64, and non-native types collapse to their JSON form).
func normalizeDetails(details map[string]any) (map[string]any, error) {
	b, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func computeHash(r *domain.Record, previousHash string) (string, error) {
	c := canonicalRecord{
		Action:       r.Action,
		ActorID:      r.ActorID,
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		TenantID:     r.TenantID,
		Details:      r.Details,
		Timestamp:    r.Timestamp.UTC().Format(time.RFC3339Nano),
		PreviousHash: previousHash,
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Append stores the event as a hash-chained record and returns it. The event's
// scope chain is extended under a per-scope lock. If integrity computation
// fails, the record is written without integrity data rather than dropping the
// event; verification reports such records as no_integrity_data.
func (l *Ledger) Append(ctx context.Context, ev Event) (*domain.Record, error) {
	if ev.Action == "" {
		return nil, ErrEmptyAction
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	// Stored timestamps carry microsecond precision, so hash what a read-back
	// of the row will actually contain.
	ts = ts.Truncate(time.Microsecond)

	details := ev.Details
	if details != nil {
		if norm, err := normalizeDetails(details); err == nil {
			details = norm
		}
	}
	rec := &domain.Record{
		ID:         uuid.New().String(),
		Action:     ev.Action,
		ActorID:    ev.ActorID,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		TenantID:   ev.TenantID,
		Details:    details,
		Timestamp:  ts,
	}

	scope := rec.Scope()
	lock := l.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	last, err := l.repo.GetLastInScope(ctx, scope)
	if err != nil {
		l.log.WithError(err).WithField("scope", scope).Warn("ledger: fetching chain head failed, appending without integrity data")
		rec.Integrity = nil
	} else {
		if last != nil && !rec.Timestamp.After(last.Timestamp) {
			// Chain order is (timestamp, id); keep timestamps strictly
			// increasing per scope so verification replays appends in order.
			rec.Timestamp = last.Timestamp.Add(time.Microsecond)
		}
		rec.Integrity = l.buildIntegrity(rec, scope, last)
	}

	if err := l.repo.Append(ctx, rec); err != nil {
		return nil, err
	}
	metrics.AuditRecordsAppended.Inc()
	if rec.Integrity == nil {
		metrics.AuditAppendDegraded.Inc()
	}
	return rec, nil
}

// buildIntegrity computes the integrity block, or nil on failure (degraded append).
func (l *Ledger) buildIntegrity(rec *domain.Record, scope string, last *domain.Record) *domain.Integrity {
	previousHash := domain.ZeroHash
	if last != nil && last.HasIntegrity() {
		previousHash = last.Integrity.Hash
	}

	hash, err := computeHash(rec, previousHash)
	if err != nil {
		l.log.WithError(err).WithField("scope", scope).Warn("ledger: hashing record failed, appending without integrity data")
		return nil
	}
	signature, err := l.signer.Sign(scope, hash)
	if err != nil {
		l.log.WithError(err).WithField("scope", scope).Warn("ledger: signing record failed, appending without integrity data")
		return nil
	}
	return &domain.Integrity{
		PreviousHash: previousHash,
		Hash:         hash,
		Signature:    signature,
		Algorithm:    security.ChainSignerAlgorithm,
		Version:      security.ChainSignerVersion,
	}
}

// VerifyRecord recomputes the record's hash from its stable fields and claimed
// previous hash, then checks the MAC. Integrity failures are reported, never
// auto-corrected.
func (l *Ledger) VerifyRecord(rec *domain.Record) Verification {
	if !rec.HasIntegrity() {
		metrics.AuditIntegrityFailures.WithLabelValues(string(ReasonNoIntegrityData)).Inc()
		return Verification{Valid: false, Reason: ReasonNoIntegrityData}
	}
	hash, err := computeHash(rec, rec.Integrity.PreviousHash)
	if err != nil || hash != rec.Integrity.Hash {
		metrics.AuditIntegrityFailures.WithLabelValues(string(ReasonHashMismatch)).Inc()
		return Verification{Valid: false, Reason: ReasonHashMismatch}
	}
	if !l.signer.Verify(rec.Scope(), rec.Integrity.Hash, rec.Integrity.Signature) {
		metrics.AuditIntegrityFailures.WithLabelValues(string(ReasonSignatureInvalid)).Inc()
		return Verification{Valid: false, Reason: ReasonSignatureInvalid}
	}
	return Verification{Valid: true, Reason: ReasonValid}
}

// VerifyChain streams the scope's records in timestamp order, verifies each,
// and checks that every record links to its predecessor's hash. All breaks are
// reported, not just the first. The scan honors ctx cancellation between batches.
func (l *Ledger) VerifyChain(ctx context.Context, scope string, from, to time.Time) (*ChainResult, error) {
	res := &ChainResult{}
	expectedPrev := domain.ZeroHash
	var offset int32

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := l.repo.ListByScope(ctx, scope, from, to, verifyBatchSize, offset)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			idx := res.Checked
			if v := l.VerifyRecord(rec); !v.Valid {
				res.Errors = append(res.Errors, ChainError{Index: idx, RecordID: rec.ID, Reason: v.Reason})
			}
			if rec.HasIntegrity() {
				if idx == 0 && !from.IsZero() {
					// A scan starting mid-chain has no predecessor in view;
					// anchor on the first record's own claim. Its hash and
					// signature checks still bind that claim.
					expectedPrev = rec.Integrity.PreviousHash
				}
				if rec.Integrity.PreviousHash != expectedPrev {
					res.Errors = append(res.Errors, ChainError{
						Index:    idx,
						RecordID: rec.ID,
						Reason:   ReasonChainBroken,
						Expected: expectedPrev,
						Actual:   rec.Integrity.PreviousHash,
					})
				}
				expectedPrev = rec.Integrity.Hash
			} else {
				// A degraded record restarts the chain; Append uses the zero
				// sentinel when the predecessor carries no hash.
				expectedPrev = domain.ZeroHash
			}
			res.Checked++
		}
		if len(batch) < verifyBatchSize {
			break
		}
		offset += verifyBatchSize
	}

	res.Valid = len(res.Errors) == 0
	return res, nil
}

// GenerateComplianceReport combines integrity coverage with a full chain scan
// for the scope and range. An empty period is reported as fully covered.
func (l *Ledger) GenerateComplianceReport(ctx context.Context, scope string, from, to time.Time) (*ComplianceReport, error) {
	total, withIntegrity, err := l.repo.CountByScope(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}
	chain, err := l.VerifyChain(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}
	coverage := 100.0
	if total > 0 {
		coverage = float64(withIntegrity) / float64(total) * 100
	}
	return &ComplianceReport{
		Scope:                scope,
		From:                 from,
		To:                   to,
		TotalRecords:         total,
		RecordsWithIntegrity: withIntegrity,
		CoveragePercent:      coverage,
		Chain:                *chain,
	}, nil
}

func (l *Ledger) scopeLock(scope string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.scopeLocks[scope]
	if !ok {
		lock = &sync.Mutex{}
		l.scopeLocks[scope] = lock
	}
	return lock
}
