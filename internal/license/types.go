package license

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a license. A license is never
// deleted; revocation and expiry are state transitions.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Sentinel license IDs used in activation logs when no real license
// context exists for the attempt.
const (
	SentinelRateLimited    = "rate-limited"
	SentinelInvalidRequest = "invalid-request"
	SentinelInvalidKey     = "invalid-key"
)

// License represents one activated installation. Exactly one License
// exists per distinct key hash; the raw key is never stored.
type License struct {
	LicenseID      string     `json:"licenseId"`
	LicenseKeyHash string     `json:"licenseKeyHash"`
	Status         Status     `json:"status"`
	ActivatedAt    time.Time  `json:"activatedAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	LastSeenIP     string     `json:"lastSeenIP,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// View is the externally visible shape of a License with the key hash
// stripped. The hash correlates 1:1 with the original key and is never
// exposed.
type View struct {
	LicenseID   string     `json:"licenseId"`
	Status      Status     `json:"status"`
	ActivatedAt time.Time  `json:"activatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastSeenIP  string     `json:"lastSeenIP,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// View returns the sanitized representation of the license.
func (l License) View() View {
	return View{
		LicenseID:   l.LicenseID,
		Status:      l.Status,
		ActivatedAt: l.ActivatedAt,
		ExpiresAt:   l.ExpiresAt,
		LastSeenIP:  l.LastSeenIP,
		Notes:       l.Notes,
	}
}

// ActivationLog is one immutable record per activation attempt,
// successful or not. ClientInfo is an opaque blob stored verbatim for
// forensics and never parsed for decisions.
type ActivationLog struct {
	ID         string          `json:"id"`
	LicenseID  string          `json:"licenseId"`
	Timestamp  time.Time       `json:"timestamp"`
	IP         string          `json:"ip,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
	ClientInfo json.RawMessage `json:"clientInfo,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

// TamperType classifies an integrity violation. Decoy events are the
// strongest signal: decoy files have no functional purpose, so there is
// no legitimate reason for them to change.
type TamperType string

const (
	TamperFileModified    TamperType = "file_modified"
	TamperFileMissing     TamperType = "file_missing"
	TamperDecoyModified   TamperType = "decoy_modified"
	TamperDecoyRemoved    TamperType = "decoy_removed"
	TamperManifestInvalid TamperType = "manifest_invalid"
)

// TamperReport is one immutable record per detected integrity
// violation.
type TamperReport struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	LicenseID  string          `json:"licenseId,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
	IP         string          `json:"ip,omitempty"`
	TamperType TamperType      `json:"tamperType"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Manifest is a signed snapshot of expected file hashes. Files maps
// each path to "sha256:<hex>"; Decoys lists the tripwire paths that are
// also present in Files.
type Manifest struct {
	Version     string            `json:"version"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Files       map[string]string `json:"files"`
	Decoys      []string          `json:"decoys"`
}
