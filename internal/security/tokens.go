package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a bearer secret or access credential is malformed,
	// has a bad signature, or is expired.
	ErrInvalidToken = errors.New("invalid token")
)

// SecretClaims holds JWT claims for a bearer secret. The jti is the id of the
// renewal credential row the secret corresponds to; family is the rotation chain id.
type SecretClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Family   string `json:"family"`
}

// AccessClaims holds JWT claims for an access credential.
type AccessClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
}

// TokenProvider issues and validates signed bearer secrets and access credentials
// using RS256 or ES256 (private/public key).
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	secretTTL  time.Duration
}

// NewTokenProvider returns a TokenProvider that signs with the given private key (RS256 or ES256).
// issuer and audience are set on claims and validated on every parse.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, secretTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		secretTTL:  secretTTL,
	}
}

// SecretTTL returns the lifetime of issued bearer secrets.
func (p *TokenProvider) SecretTTL() time.Duration { return p.secretTTL }

// IssueSecret issues a signed bearer secret bound to the given credential row, owner,
// tenant, and family. Returns the secret string and its expiration time.
func (p *TokenProvider) IssueSecret(credentialID, ownerID, tenantID, family string) (secret string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(p.secretTTL)
	claims := SecretClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        credentialID,
			Subject:   ownerID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID: tenantID,
		Family:   family,
	}
	secret, err = p.sign(claims)
	return secret, expiresAt, err
}

// IssueAccess issues a short-lived access credential for the given owner and tenant.
// Returns the token string and expiration time. Satisfies the AccessTokenFactory
// contract expected by the token authority.
func (p *TokenProvider) IssueAccess(ownerID, tenantID string) (token string, expiresAt time.Time, err error) {
	jti, err := randomID()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   ownerID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID: tenantID,
	}
	token, err = p.sign(claims)
	return token, expiresAt, err
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

// ValidateSecret parses and validates a bearer secret (signature, exp, iss, aud).
// Returns the parsed claims or ErrInvalidToken. No state is consulted; this is the
// purely structural check that precedes any reuse or revocation decision.
func (p *TokenProvider) ValidateSecret(secret string) (*SecretClaims, error) {
	token, err := jwt.ParseWithClaims(secret, &SecretClaims{}, p.keyFunc)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*SecretClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != p.issuer || !hasAudience(claims.Audience, p.audience) {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" || claims.Subject == "" || claims.Family == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAccess parses and validates an access credential (signature, exp, iss, aud).
// Returns ownerID and tenantID, or ErrInvalidToken.
func (p *TokenProvider) ValidateAccess(tokenString string) (ownerID, tenantID string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, p.keyFunc)
	if err != nil {
		return "", "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	if claims.Issuer != p.issuer || !hasAudience(claims.Audience, p.audience) {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.TenantID, nil
}

func (p *TokenProvider) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
		return p.publicKey, nil
	}
	if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
		return p.publicKey, nil
	}
	return nil, ErrInvalidToken
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func randomID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
