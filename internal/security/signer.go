package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ChainSignerAlgorithm labels the MAC scheme recorded on signed audit records.
const ChainSignerAlgorithm = "hmac-sha256"

// ChainSignerVersion is the integrity format version recorded on signed audit records.
const ChainSignerVersion = "1"

// ErrEmptyChainSecret is returned when a ChainSigner is constructed without a secret.
var ErrEmptyChainSecret = errors.New("chain signer secret must not be empty")

// ChainSigner computes keyed-MAC signatures over audit record hashes. Each tenant
// scope gets its own MAC key derived from the service secret via HKDF, so a leaked
// per-scope key does not compromise other scopes.
type ChainSigner struct {
	secret []byte
}

// NewChainSigner returns a ChainSigner using the given service secret.
func NewChainSigner(secret []byte) (*ChainSigner, error) {
	if len(secret) == 0 {
		return nil, ErrEmptyChainSecret
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &ChainSigner{secret: s}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of hash under the scope's derived key.
func (s *ChainSigner) Sign(scope, hash string) (string, error) {
	key, err := s.scopeKey(scope)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is a valid MAC of hash for the scope.
// Comparison is constant-time.
func (s *ChainSigner) Verify(scope, hash, signature string) bool {
	want, err := s.Sign(scope, hash)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	wantRaw, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	return hmac.Equal(got, wantRaw)
}

func (s *ChainSigner) scopeKey(scope string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.secret, nil, []byte("audit-chain:"+scope))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
