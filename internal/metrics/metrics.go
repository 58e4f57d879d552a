// Package metrics defines Prometheus metrics for the security core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CredentialsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seccore_credentials_issued_total",
			Help: "Renewal credentials issued (new families)",
		},
	)

	CredentialsRotated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seccore_credentials_rotated_total",
			Help: "Successful credential rotations",
		},
	)

	CredentialsRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seccore_credentials_revoked_total",
			Help: "Credentials revoked by reason",
		},
		[]string{"reason"},
	)

	ReuseDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seccore_reuse_detected_total",
			Help: "Retired-credential reuse detections (family-wide revocations)",
		},
	)

	RotationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seccore_rotation_failures_total",
			Help: "Rejected rotation attempts by reason",
		},
		[]string{"reason"},
	)

	CredentialsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seccore_credentials_swept_total",
			Help: "Expired credentials deleted by the retention sweep",
		},
	)

	AuditRecordsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seccore_audit_records_appended_total",
			Help: "Audit records appended to the ledger",
		},
	)

	AuditAppendDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seccore_audit_append_degraded_total",
			Help: "Audit records written without integrity data",
		},
	)

	AuditIntegrityFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seccore_audit_integrity_failures_total",
			Help: "Verification failures by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		CredentialsIssued, CredentialsRotated, CredentialsRevoked,
		ReuseDetected, RotationFailures, CredentialsSwept,
		AuditRecordsAppended, AuditAppendDegraded, AuditIntegrityFailures,
	)
}
