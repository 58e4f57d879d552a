// Package service implements the token rotation authority: issuance, rotation
// with reuse-attack detection, revocation, and retention cleanup of renewal
// credentials.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"firmhub/security-core/internal/ledger"
	ledgerdomain "firmhub/security-core/internal/ledger/domain"
	"firmhub/security-core/internal/metrics"
	"firmhub/security-core/internal/security"
	"firmhub/security-core/internal/token/domain"
	"firmhub/security-core/internal/token/repository"
)

// Sentinel errors for the authority; the calling authentication layer maps
// them to its own error codes.
var (
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrTokenReuseDetected  = errors.New("refresh token reuse detected; family revoked")
)

// AccessTokenFactory mints an access credential for the owner. The authority
// never inspects the produced token.
type AccessTokenFactory func(ownerID, tenantID string) (token string, expiresAt time.Time, err error)

// Auditor records security-relevant events. Satisfied by *ledger.Ledger.
// All emission from the authority is best-effort: a failed append is logged
// and never fails the primary operation.
type Auditor interface {
	Append(ctx context.Context, ev ledger.Event) (*ledgerdomain.Record, error)
}

// IssueResult holds the outcome of Issue: the opaque bearer secret (returned
// to the caller, never persisted), an access credential, and the stored row.
type IssueResult struct {
	BearerSecret    string
	AccessToken     string
	AccessExpiresAt time.Time
	Credential      *domain.Credential
}

// RotateResult holds the outcome of a successful rotation.
type RotateResult struct {
	BearerSecret    string
	AccessToken     string
	AccessExpiresAt time.Time
	Credential      *domain.Credential
}

// Authority issues, rotates, and revokes renewal credentials. Credentials are
// tracked in families (rotation chains) so presentation of a superseded secret
// is detected as theft and cuts off the entire lineage.
type Authority struct {
	repo          repository.Repository
	tokens        *security.TokenProvider
	accessFactory AccessTokenFactory
	auditor       Auditor
	log           *logrus.Logger

	retentionGrace time.Duration
	sweepBatchSize int32
}

// NewAuthority returns an Authority with the given dependencies. accessFactory
// may be the token provider's IssueAccess or any caller-supplied factory.
func NewAuthority(
	repo repository.Repository,
	tokens *security.TokenProvider,
	accessFactory AccessTokenFactory,
	auditor Auditor,
	log *logrus.Logger,
	retentionGrace time.Duration,
	sweepBatchSize int32,
) *Authority {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if sweepBatchSize <= 0 {
		sweepBatchSize = 500
	}
	return &Authority{
		repo:           repo,
		tokens:         tokens,
		accessFactory:  accessFactory,
		auditor:        auditor,
		log:            log,
		retentionGrace: retentionGrace,
		sweepBatchSize: sweepBatchSize,
	}
}

// Issue creates a new credential family for the owner and returns the bearer
// secret together with a fresh access credential.
func (a *Authority) Issue(ctx context.Context, ownerID, tenantID string, device domain.DeviceInfo) (*IssueResult, error) {
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	credID := uuid.New().String()
	family := uuid.New().String()
	now := time.Now().UTC()

	secret, expiresAt, err := a.tokens.IssueSecret(credID, ownerID, tenantID, family)
	if err != nil {
		return nil, err
	}
	cred := &domain.Credential{
		ID:        credID,
		TokenHash: security.HashSecret(secret),
		OwnerID:   ownerID,
		TenantID:  tenantID,
		Family:    family,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Device:    device,
	}
	if err := a.repo.Create(ctx, cred); err != nil {
		return nil, err
	}

	accessToken, accessExp, err := a.accessFactory(ownerID, tenantID)
	if err != nil {
		return nil, err
	}

	metrics.CredentialsIssued.Inc()
	a.audit(ctx, ledger.Event{
		Action:     "token_issued",
		ActorID:    ownerID,
		EntityType: "renewal_credential",
		EntityID:   credID,
		TenantID:   tenantID,
		Details:    map[string]any{"family": family, "ip": device.IP, "device_id": device.DeviceID},
	})
	return &IssueResult{
		BearerSecret:    secret,
		AccessToken:     accessToken,
		AccessExpiresAt: accessExp,
		Credential:      cred,
	}, nil
}

// Rotate exchanges a bearer secret for a new access credential and a new
// bearer secret in the same family. Presenting a superseded secret revokes the
// entire family and fails with ErrTokenReuseDetected: legitimate clients only
// ever hold the newest link, so a stale presentation means the secret was
// copied. A rotation that loses a race against a concurrent rotation of the
// same secret is classified the same way.
func (a *Authority) Rotate(ctx context.Context, bearerSecret string) (*RotateResult, error) {
	claims, err := a.tokens.ValidateSecret(bearerSecret)
	if err != nil {
		metrics.RotationFailures.WithLabelValues("invalid").Inc()
		a.log.Debug("authority: rotation rejected, malformed or expired secret")
		return nil, ErrInvalidRefreshToken
	}

	cur, err := a.repo.GetByTokenHash(ctx, security.HashSecret(bearerSecret))
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.ID != claims.ID || !security.SecretHashEqual(bearerSecret, cur.TokenHash) {
		// No row (e.g. already swept) or a secret paired with the wrong row.
		metrics.RotationFailures.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRefreshToken
	}

	now := time.Now().UTC()

	latest, err := a.repo.GetLatestInFamily(ctx, cur.Family)
	if err != nil {
		return nil, err
	}
	if isReuse(cur, latest) {
		if err := a.flagReuse(ctx, cur, now); err != nil {
			return nil, err
		}
		return nil, ErrTokenReuseDetected
	}
	if cur.Revoked {
		metrics.RotationFailures.WithLabelValues("revoked").Inc()
		a.log.WithField("owner_id", cur.OwnerID).Debug("authority: rotation rejected, credential revoked")
		return nil, ErrRefreshTokenRevoked
	}
	if cur.Expired(now) {
		metrics.RotationFailures.WithLabelValues("expired").Inc()
		a.log.WithField("owner_id", cur.OwnerID).Debug("authority: rotation rejected, credential expired")
		return nil, ErrRefreshTokenExpired
	}

	if err := a.repo.UpdateLastUsed(ctx, cur.ID, now); err != nil {
		return nil, err
	}

	successorID := uuid.New().String()
	newSecret, expiresAt, err := a.tokens.IssueSecret(successorID, cur.OwnerID, cur.TenantID, cur.Family)
	if err != nil {
		return nil, err
	}
	successor := &domain.Credential{
		ID:          successorID,
		TokenHash:   security.HashSecret(newSecret),
		OwnerID:     cur.OwnerID,
		TenantID:    cur.TenantID,
		Family:      cur.Family,
		RotatedFrom: cur.ID,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		LastUsedAt:  &now,
		Device:      cur.Device,
	}
	// The successor must exist before the predecessor's revocation is visible;
	// a concurrent rotation of the same secret then observes a superseded row
	// and is handled as reuse.
	if err := a.repo.Create(ctx, successor); err != nil {
		return nil, err
	}
	revoked, err := a.repo.Revoke(ctx, cur.ID, domain.ReasonRefresh, now)
	if err != nil {
		return nil, err
	}
	if revoked == 0 {
		// Another rotation of the same secret revoked the predecessor between
		// our reuse check and this write. Two concurrent holders of one secret
		// is the reuse signal; cut off the family, our successor included.
		if err := a.flagReuse(ctx, cur, now); err != nil {
			return nil, err
		}
		return nil, ErrTokenReuseDetected
	}

	accessToken, accessExp, err := a.accessFactory(cur.OwnerID, cur.TenantID)
	if err != nil {
		return nil, err
	}

	metrics.CredentialsRotated.Inc()
	metrics.CredentialsRevoked.WithLabelValues(string(domain.ReasonRefresh)).Inc()
	a.audit(ctx, ledger.Event{
		Action:     "token_refreshed",
		ActorID:    cur.OwnerID,
		EntityType: "renewal_credential",
		EntityID:   successorID,
		TenantID:   cur.TenantID,
		Details:    map[string]any{"family": cur.Family, "rotated_from": cur.ID},
	})
	return &RotateResult{
		BearerSecret:    newSecret,
		AccessToken:     accessToken,
		AccessExpiresAt: accessExp,
		Credential:      successor,
	}, nil
}

// flagReuse is the fail-safe response to reuse of cur's secret: revoke the
// whole family, count it, and emit the critical audit event.
func (a *Authority) flagReuse(ctx context.Context, cur *domain.Credential, now time.Time) error {
	if err := a.repo.RevokeFamily(ctx, cur.Family, domain.ReasonReuseDetected, now); err != nil {
		return err
	}
	metrics.ReuseDetected.Inc()
	metrics.RotationFailures.WithLabelValues("reuse_detected").Inc()
	metrics.CredentialsRevoked.WithLabelValues(string(domain.ReasonReuseDetected)).Inc()
	a.log.WithFields(logrus.Fields{
		"owner_id": cur.OwnerID,
		"family":   cur.Family,
	}).Warn("authority: retired credential reuse detected, family revoked")
	a.audit(ctx, ledger.Event{
		Action:     "token_reuse_detected",
		ActorID:    cur.OwnerID,
		EntityType: "renewal_credential",
		EntityID:   cur.ID,
		TenantID:   cur.TenantID,
		Details:    map[string]any{"family": cur.Family, "severity": "critical"},
	})
	return nil
}

// isReuse classifies presentation of cur as reuse of a retired credential.
// A credential superseded by a later member of its family, or revoked because
// of a rotation or a prior reuse, is never legitimately presented again.
func isReuse(cur, latest *domain.Credential) bool {
	if latest != nil && latest.ID != cur.ID {
		return true
	}
	return cur.Revoked &&
		(cur.RevokedReason == domain.ReasonRefresh || cur.RevokedReason == domain.ReasonReuseDetected)
}

// Revoke marks the credential identified by the bearer secret revoked (logout).
// An invalid or unknown secret is a no-op: logout must not fail the caller.
func (a *Authority) Revoke(ctx context.Context, bearerSecret string, reason domain.RevokedReason) error {
	if _, err := a.tokens.ValidateSecret(bearerSecret); err != nil {
		return nil
	}
	cur, err := a.repo.GetByTokenHash(ctx, security.HashSecret(bearerSecret))
	if err != nil {
		return err
	}
	if cur == nil || cur.Revoked {
		return nil
	}
	now := time.Now().UTC()
	n, err := a.repo.Revoke(ctx, cur.ID, reason, now)
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost a race against another revocation; nothing left to do.
		return nil
	}
	metrics.CredentialsRevoked.WithLabelValues(string(reason)).Inc()
	a.audit(ctx, ledger.Event{
		Action:     "token_revoked",
		ActorID:    cur.OwnerID,
		EntityType: "renewal_credential",
		EntityID:   cur.ID,
		TenantID:   cur.TenantID,
		Details:    map[string]any{"family": cur.Family, "reason": string(reason)},
	})
	return nil
}

// RevokeAllForOwner revokes every active credential for the owner ("log out
// everywhere"). Already revoked or expired credentials keep their prior state.
func (a *Authority) RevokeAllForOwner(ctx context.Context, ownerID string, reason domain.RevokedReason) (int64, error) {
	now := time.Now().UTC()
	n, err := a.repo.RevokeAllForOwner(ctx, ownerID, reason, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.CredentialsRevoked.WithLabelValues(string(reason)).Add(float64(n))
	}
	a.audit(ctx, ledger.Event{
		Action:     "token_revoked_all",
		ActorID:    ownerID,
		EntityType: "renewal_credential",
		EntityID:   ownerID,
		Details:    map[string]any{"reason": string(reason), "count": n},
	})
	return n, nil
}

// ListForOwner returns the owner's credentials, newest first. Intended for
// "active sessions" views; filtering of revoked or expired rows is left to
// the presentation layer.
func (a *Authority) ListForOwner(ctx context.Context, ownerID, tenantID string, limit, offset int32) ([]*domain.Credential, error) {
	return a.repo.ListByOwner(ctx, ownerID, tenantID, limit, offset)
}

// Cleanup deletes credentials expired longer ago than the retention grace
// window, in batches, and returns how many rows were removed. Storage
// reclamation only, not a security decision; safe to run concurrently with
// all other operations and cancellable between batches.
func (a *Authority) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-a.retentionGrace)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := a.repo.DeleteExpiredBefore(ctx, cutoff, a.sweepBatchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n > 0 {
			metrics.CredentialsSwept.Add(float64(n))
		}
		if n < int64(a.sweepBatchSize) {
			return total, nil
		}
	}
}

func (a *Authority) audit(ctx context.Context, ev ledger.Event) {
	if a.auditor == nil {
		return
	}
	if _, err := a.auditor.Append(ctx, ev); err != nil {
		a.log.WithError(err).WithField("action", ev.Action).Warn("authority: audit append failed")
	}
}
