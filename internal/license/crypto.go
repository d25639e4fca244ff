package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"opsboard/internal/config"
)

// SignatureVersion tags every issued token. Bumping it invalidates all
// outstanding tokens regardless of cryptographic validity, forcing
// re-activation after a signing-scheme rotation.
const SignatureVersion = "1"

var (
	ErrTokenInvalid         = errors.New("token invalid or expired")
	ErrTokenVersionMismatch = errors.New("token signature version mismatch")
)

// TokenClaims is the payload of a signed license token.
type TokenClaims struct {
	LicenseID        string `json:"licenseId"`
	SignatureVersion string `json:"signatureVersion"`
	jwt.RegisteredClaims
}

// Signer holds the configured secrets and performs every one-way and
// signed-data operation in the system. The token and manifest secrets
// are distinct values so compromise of one does not compromise the
// other.
type Signer struct {
	tokenSecret      []byte
	manifestSecret   []byte
	masterHashes     []string
	tokenTTL         time.Duration
	signatureVersion string
	now              func() time.Time
}

// NewSigner builds a Signer from validated configuration. Config
// loading has already refused to start on missing secrets or an empty
// allowlist.
func NewSigner(cfg config.LicenseConfig) *Signer {
	return &Signer{
		tokenSecret:      []byte(cfg.TokenSecret),
		manifestSecret:   []byte(cfg.ManifestSecret),
		masterHashes:     cfg.MasterHashes(),
		tokenTTL:         cfg.TokenTTL,
		signatureVersion: SignatureVersion,
		now:              time.Now,
	}
}

// HashKey returns the deterministic one-way digest of an activation
// key, used for storage and lookup. Raw keys are never stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// IsValidMasterKey compares the digest of the supplied key against the
// configured allowlist. Each comparison is constant-time and the scan
// never breaks early, so timing reveals neither a match position nor a
// near-miss.
func (s *Signer) IsValidMasterKey(key string) bool {
	keyHash := []byte(HashKey(key))
	valid := false
	for _, h := range s.masterHashes {
		if hmac.Equal(keyHash, []byte(h)) {
			valid = true
		}
	}
	return valid
}

// SignToken issues a signed, time-bounded bearer token bound to a
// license identity.
func (s *Signer) SignToken(licenseID string) (string, error) {
	now := s.now()
	claims := TokenClaims{
		LicenseID:        licenseID,
		SignatureVersion: s.signatureVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token's signature and expiry, then
// rejects any token whose embedded signature version does not match the
// current expected version, independent of cryptographic validity.
func (s *Signer) VerifyToken(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.tokenSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.SignatureVersion != s.signatureVersion {
		return nil, ErrTokenVersionMismatch
	}
	return claims, nil
}

// ComputeFileHash returns the content digest used for manifest entries.
func ComputeFileHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SignManifest computes an HMAC-SHA256 signature over the manifest's
// canonical JSON serialization. Map keys marshal in sorted order, so
// the serialization is deterministic.
func (s *Signer) SignManifest(m *Manifest) (string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("serialize manifest: %w", err)
	}
	mac := hmac.New(sha256.New, s.manifestSecret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyManifestSignature checks a detached manifest signature using a
// constant-time comparison.
func (s *Signer) VerifyManifestSignature(m *Manifest, signature string) bool {
	computed, err := s.SignManifest(m)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(computed), []byte(signature))
}
