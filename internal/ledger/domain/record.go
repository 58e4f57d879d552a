// Package domain holds the audit ledger's persisted record shape.
package domain

import (
	"strings"
	"time"
)

// ScopeSentinel is the chain scope used for records that have no tenant
// (e.g. platform-level security events).
const ScopeSentinel = "_system"

// ZeroHash is the previous-hash value of the first record in a scope's chain.
var ZeroHash = strings.Repeat("0", 64)

// Integrity is the tamper-evidence block computed at append time.
type Integrity struct {
	// PreviousHash is the hash of the preceding record in the same scope, or ZeroHash.
	PreviousHash string
	// Hash is the SHA-256 of the record's canonical fields plus PreviousHash.
	Hash string
	// Signature is the keyed MAC of Hash under the scope's derived key.
	Signature string
	// Algorithm labels the MAC scheme (e.g. "hmac-sha256").
	Algorithm string
	// Version is the integrity format version.
	Version string
}

// Record is one append-only audit ledger entry. Records are immutable once
// written; Integrity is nil only for degraded appends where integrity
// computation failed (detected by verification as no_integrity_data).
type Record struct {
	ID         string
	Action     string
	ActorID    string
	EntityType string
	EntityID   string
	TenantID   string // empty for tenant-less records
	Details    map[string]any
	Timestamp  time.Time
	Integrity  *Integrity
}

// Scope returns the chain scope the record belongs to.
func (r *Record) Scope() string {
	if r.TenantID == "" {
		return ScopeSentinel
	}
	return r.TenantID
}

// HasIntegrity reports whether the record carries a usable integrity block.
func (r *Record) HasIntegrity() bool {
	return r.Integrity != nil && r.Integrity.Hash != ""
}
