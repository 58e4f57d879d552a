// Package domain holds the renewal credential row shape and its lifecycle vocabulary.
package domain

import "time"

// RevokedReason says why a credential was revoked.
type RevokedReason string

const (
	ReasonLogout         RevokedReason = "logout"
	ReasonRefresh        RevokedReason = "refresh"
	ReasonReuseDetected  RevokedReason = "reuse_detected"
	ReasonSecurity       RevokedReason = "security"
	ReasonExpiredCleanup RevokedReason = "expired_cleanup"
)

// DeviceInfo is an opaque descriptive bag recorded for observability.
// It is never used for authorization decisions.
type DeviceInfo struct {
	IP        string
	UserAgent string
	DeviceID  string
}

// Credential is one issued or rotated renewal credential. The bearer secret
// itself is never persisted; TokenHash is its SHA-256. All credentials
// descended from one issuance share a Family; RotatedFrom links a credential
// to its immediate predecessor and is immutable once set, as is Family.
type Credential struct {
	ID            string
	TokenHash     string
	OwnerID       string
	TenantID      string // empty for tenant-less principals
	Family        string
	RotatedFrom   string // empty at the chain origin
	IssuedAt      time.Time
	ExpiresAt     time.Time
	LastUsedAt    *time.Time
	Revoked       bool
	RevokedReason RevokedReason
	RevokedAt     *time.Time
	Device        DeviceInfo
}

// Expired reports whether the credential's lifetime has passed at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Active reports whether the credential is non-revoked and non-expired at now.
// Within a family at most one credential is active after any completed rotation.
func (c *Credential) Active(now time.Time) bool {
	return !c.Revoked && !c.Expired(now)
}
