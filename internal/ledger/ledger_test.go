package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"firmhub/security-core/internal/ledger/domain"
	"firmhub/security-core/internal/security"
)

type memLedgerRepo struct {
	mu      sync.Mutex
	records []*domain.Record
	lastErr error // forces GetLastInScope failures
}

func (r *memLedgerRepo) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *memLedgerRepo) GetLastInScope(ctx context.Context, scope string) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr != nil {
		return nil, r.lastErr
	}
	var last *domain.Record
	for _, rec := range r.records {
		if rec.Scope() != scope {
			continue
		}
		if last == nil || rec.Timestamp.After(last.Timestamp) || (rec.Timestamp.Equal(last.Timestamp) && rec.ID > last.ID) {
			last = rec
		}
	}
	return last, nil
}

func (r *memLedgerRepo) Append(ctx context.Context, rec *domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memLedgerRepo) ListByScope(ctx context.Context, scope string, from, to time.Time, limit, offset int32) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*domain.Record
	for _, rec := range r.records {
		if rec.Scope() != scope {
			continue
		}
		if !from.IsZero() && rec.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && rec.Timestamp.After(to) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})
	if int(offset) >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if int(limit) < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *memLedgerRepo) CountByScope(ctx context.Context, scope string, from, to time.Time) (int64, int64, error) {
	all, err := r.ListByScope(ctx, scope, from, to, 1<<30, 0)
	if err != nil {
		return 0, 0, err
	}
	var withIntegrity int64
	for _, rec := range all {
		if rec.HasIntegrity() {
			withIntegrity++
		}
	}
	return int64(len(all)), withIntegrity, nil
}

func newTestLedger(t *testing.T) (*Ledger, *memLedgerRepo) {
	t.Helper()
	signer, err := security.NewChainSigner([]byte("test-chain-secret"))
	if err != nil {
		t.Fatalf("NewChainSigner: %v", err)
	}
	repo := &memLedgerRepo{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(repo, signer, log), repo
}

func TestAppend_RequiresAction(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.Append(context.Background(), Event{}); !errors.Is(err, ErrEmptyAction) {
		t.Errorf("Append without action: want ErrEmptyAction, got %v", err)
	}
}

func TestAppend_FirstRecordUsesZeroSentinel(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Append(context.Background(), Event{Action: "token_issued", ActorID: "u1", TenantID: "firm-7"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !rec.HasIntegrity() {
		t.Fatal("first record should carry integrity data")
	}
	if rec.Integrity.PreviousHash != domain.ZeroHash {
		t.Errorf("PreviousHash = %q, want zero sentinel", rec.Integrity.PreviousHash)
	}
	if rec.Integrity.Algorithm != security.ChainSignerAlgorithm {
		t.Errorf("Algorithm = %q, want %q", rec.Integrity.Algorithm, security.ChainSignerAlgorithm)
	}
	if rec.Integrity.Version != security.ChainSignerVersion {
		t.Errorf("Version = %q, want %q", rec.Integrity.Version, security.ChainSignerVersion)
	}
}

func TestAppend_ChainsSequentialRecords(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	e1, err := l.Append(ctx, Event{Action: "token_issued", ActorID: "u1", TenantID: "firm-7"})
	if err != nil {
		t.Fatalf("Append e1: %v", err)
	}
	e2, err := l.Append(ctx, Event{Action: "token_refreshed", ActorID: "u1", TenantID: "firm-7"})
	if err != nil {
		t.Fatalf("Append e2: %v", err)
	}
	e3, err := l.Append(ctx, Event{Action: "token_revoked", ActorID: "u1", TenantID: "firm-7"})
	if err != nil {
		t.Fatalf("Append e3: %v", err)
	}

	if e1.Integrity.PreviousHash != domain.ZeroHash {
		t.Errorf("e1.PreviousHash = %q, want zero sentinel", e1.Integrity.PreviousHash)
	}
	if e2.Integrity.PreviousHash != e1.Integrity.Hash {
		t.Errorf("e2.PreviousHash = %q, want e1.Hash %q", e2.Integrity.PreviousHash, e1.Integrity.Hash)
	}
	if e3.Integrity.PreviousHash != e2.Integrity.Hash {
		t.Errorf("e3.PreviousHash = %q, want e2.Hash %q", e3.Integrity.PreviousHash, e2.Integrity.Hash)
	}
}

func TestAppend_ScopesChainIndependently(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, Event{Action: "a", TenantID: "firm-7"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	systemRec, err := l.Append(ctx, Event{Action: "b"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if systemRec.Scope() != domain.ScopeSentinel {
		t.Errorf("Scope = %q, want %q", systemRec.Scope(), domain.ScopeSentinel)
	}
	if systemRec.Integrity.PreviousHash != domain.ZeroHash {
		t.Error("tenant-less record should start its own chain at the zero sentinel")
	}
}

func TestVerifyRecord_ValidAfterAppend(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Append(context.Background(), Event{
		Action: "token_issued", ActorID: "u1", EntityType: "credential", EntityID: "c1",
		TenantID: "firm-7", Details: map[string]any{"ip": "10.0.0.1", "device": "cli"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	v := l.VerifyRecord(rec)
	if !v.Valid || v.Reason != ReasonValid {
		t.Errorf("VerifyRecord = {%v %q}, want valid", v.Valid, v.Reason)
	}
}

// Postgres stores timestamptz at microsecond precision, so a record read back
// from the table has its nanosecond remainder dropped. The hash must survive
// that round trip.
func TestVerifyRecord_SurvivesTimestampStorageRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Append(context.Background(), Event{
		Action:    "token_issued",
		ActorID:   "u1",
		TenantID:  "firm-7",
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	stored := *rec
	stored.Timestamp = stored.Timestamp.Truncate(time.Microsecond)
	v := l.VerifyRecord(&stored)
	if !v.Valid {
		t.Errorf("VerifyRecord after storage round trip = {%v %q}, want valid", v.Valid, v.Reason)
	}
}

// Details pass through JSONB, which turns every number into float64. The
// hashed representation must equal what a read-back produces.
func TestVerifyRecord_SurvivesDetailsStorageRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Append(context.Background(), Event{
		Action:   "token_revoked_all",
		ActorID:  "u1",
		TenantID: "firm-7",
		Details:  map[string]any{"count": int64(3), "revoked_at_ns": int64(1772400000123456789), "reason": "security"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	b, err := json.Marshal(rec.Details)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	stored := *rec
	stored.Details = nil
	if err := json.Unmarshal(b, &stored.Details); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	v := l.VerifyRecord(&stored)
	if !v.Valid {
		t.Errorf("VerifyRecord after details round trip = {%v %q}, want valid", v.Valid, v.Reason)
	}
}

func TestVerifyRecord_DetectsAlteredField(t *testing.T) {
	l, repo := newTestLedger(t)
	rec, err := l.Append(context.Background(), Event{Action: "token_issued", ActorID: "u1", TenantID: "firm-7"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	stored, err := repo.GetByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	stored.ActorID = "attacker"

	v := l.VerifyRecord(stored)
	if v.Valid || v.Reason != ReasonHashMismatch {
		t.Errorf("VerifyRecord = {%v %q}, want hash_mismatch", v.Valid, v.Reason)
	}
}

func TestVerifyRecord_DetectsForgedSignature(t *testing.T) {
	l, _ := newTestLedger(t)
	rec, err := l.Append(context.Background(), Event{Action: "token_issued", TenantID: "firm-7"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec.Integrity.Signature = "deadbeef"

	v := l.VerifyRecord(rec)
	if v.Valid || v.Reason != ReasonSignatureInvalid {
		t.Errorf("VerifyRecord = {%v %q}, want signature_invalid", v.Valid, v.Reason)
	}
}

func TestVerifyRecord_NoIntegrityData(t *testing.T) {
	l, _ := newTestLedger(t)
	rec := &domain.Record{ID: "r1", Action: "x", Timestamp: time.Now().UTC()}
	v := l.VerifyRecord(rec)
	if v.Valid || v.Reason != ReasonNoIntegrityData {
		t.Errorf("VerifyRecord = {%v %q}, want no_integrity_data", v.Valid, v.Reason)
	}
}

func TestVerifyChain_CleanScope(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, Event{Action: "token_refreshed", ActorID: "u1", TenantID: "firm-7"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	res, err := l.VerifyChain(ctx, "firm-7", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid {
		t.Errorf("VerifyChain.Valid = false, errors: %+v", res.Errors)
	}
	if res.Checked != 5 {
		t.Errorf("Checked = %d, want 5", res.Checked)
	}
}

func TestVerifyChain_ReportsBreakAndContinues(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	var recs []*domain.Record
	for i := 0; i < 5; i++ {
		rec, err := l.Append(ctx, Event{Action: "token_refreshed", ActorID: "u1", TenantID: "firm-7"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		recs = append(recs, rec)
	}

	// Overwrite record 2's previous-hash link with an unrelated value.
	stored, _ := repo.GetByID(ctx, recs[2].ID)
	originalPrev := stored.Integrity.PreviousHash
	stored.Integrity.PreviousHash = domain.ZeroHash[:63] + "1"

	res, err := l.VerifyChain(ctx, "firm-7", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid {
		t.Fatal("VerifyChain should report the tampered link")
	}
	if res.Checked != 5 {
		t.Errorf("Checked = %d, want 5 (scan must continue past the break)", res.Checked)
	}
	var broken []ChainError
	for _, e := range res.Errors {
		if e.Reason == ReasonChainBroken {
			broken = append(broken, e)
		}
	}
	if len(broken) != 1 {
		t.Fatalf("chain_broken errors = %d, want exactly 1", len(broken))
	}
	if broken[0].Index != 2 {
		t.Errorf("chain_broken index = %d, want 2", broken[0].Index)
	}
	if broken[0].Expected != originalPrev {
		t.Errorf("chain_broken expected = %q, want %q", broken[0].Expected, originalPrev)
	}
	if broken[0].Actual != stored.Integrity.PreviousHash {
		t.Errorf("chain_broken actual = %q, want %q", broken[0].Actual, stored.Integrity.PreviousHash)
	}
}

func TestVerifyChain_ReportsEveryBreak(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	var recs []*domain.Record
	for i := 0; i < 6; i++ {
		rec, err := l.Append(ctx, Event{Action: "token_refreshed", TenantID: "firm-7"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		recs = append(recs, rec)
	}
	for _, i := range []int{1, 4} {
		stored, _ := repo.GetByID(ctx, recs[i].ID)
		stored.Integrity.PreviousHash = domain.ZeroHash[:63] + "f"
	}

	res, err := l.VerifyChain(ctx, "firm-7", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	var broken int
	for _, e := range res.Errors {
		if e.Reason == ReasonChainBroken {
			broken++
		}
	}
	if broken != 2 {
		t.Errorf("chain_broken errors = %d, want 2", broken)
	}
}

func TestVerifyChain_Cancellation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.VerifyChain(ctx, "firm-7", time.Time{}, time.Time{}); !errors.Is(err, context.Canceled) {
		t.Errorf("VerifyChain on cancelled ctx: want context.Canceled, got %v", err)
	}
}

func TestAppend_DegradedWhenChainHeadUnavailable(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	repo.lastErr = errors.New("db down")
	rec, err := l.Append(ctx, Event{Action: "token_issued", TenantID: "firm-7"})
	if err != nil {
		t.Fatalf("Append should not fail when integrity computation degrades: %v", err)
	}
	if rec.HasIntegrity() {
		t.Fatal("degraded append should have no integrity data")
	}
	repo.lastErr = nil

	// The degraded record is detected, not masked.
	res, err := l.VerifyChain(ctx, "firm-7", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid {
		t.Fatal("VerifyChain should flag the degraded record")
	}
	if len(res.Errors) != 1 || res.Errors[0].Reason != ReasonNoIntegrityData {
		t.Errorf("errors = %+v, want one no_integrity_data", res.Errors)
	}

	// The next append restarts the chain at the zero sentinel.
	next, err := l.Append(ctx, Event{Action: "token_refreshed", TenantID: "firm-7"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if next.Integrity.PreviousHash != domain.ZeroHash {
		t.Errorf("PreviousHash after degraded head = %q, want zero sentinel", next.Integrity.PreviousHash)
	}
}

func TestGenerateComplianceReport_FullCoverage(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, action := range []string{"token_issued", "token_refreshed", "token_revoked"} {
		if _, err := l.Append(ctx, Event{Action: action, ActorID: "u1", TenantID: "firm-7"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	report, err := l.GenerateComplianceReport(ctx, "firm-7", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GenerateComplianceReport: %v", err)
	}
	if report.TotalRecords != 3 || report.RecordsWithIntegrity != 3 {
		t.Errorf("counts = %d/%d, want 3/3", report.RecordsWithIntegrity, report.TotalRecords)
	}
	if report.CoveragePercent != 100 {
		t.Errorf("CoveragePercent = %v, want 100", report.CoveragePercent)
	}
	if !report.Chain.Valid {
		t.Errorf("Chain.Valid = false, errors: %+v", report.Chain.Errors)
	}
}

func TestGenerateComplianceReport_DegradedCoverage(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, Event{Action: "token_issued", TenantID: "firm-7"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	repo.lastErr = errors.New("db down")
	if _, err := l.Append(ctx, Event{Action: "token_refreshed", TenantID: "firm-7"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	repo.lastErr = nil

	report, err := l.GenerateComplianceReport(ctx, "firm-7", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GenerateComplianceReport: %v", err)
	}
	if report.TotalRecords != 2 || report.RecordsWithIntegrity != 1 {
		t.Errorf("counts = %d/%d, want 1/2", report.RecordsWithIntegrity, report.TotalRecords)
	}
	if report.CoveragePercent != 50 {
		t.Errorf("CoveragePercent = %v, want 50", report.CoveragePercent)
	}
	if report.Chain.Valid {
		t.Error("Chain.Valid should be false for a degraded record")
	}
}

func TestAppend_ConcurrentSameScope(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(ctx, Event{Action: "token_refreshed", TenantID: "firm-7"}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	res, err := l.VerifyChain(ctx, "firm-7", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid {
		t.Errorf("concurrent appends broke the chain: %+v", res.Errors)
	}
	if res.Checked != 20 {
		t.Errorf("Checked = %d, want 20", res.Checked)
	}
}
