package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"opsboard/internal/config"
)

// TestMasterKey is the master key whose hash is in the fixture
// allowlist.
const TestMasterKey = "test-master-key-do-not-ship"

// SecondMasterKey is a second allowlisted key for multi-key tests.
const SecondMasterKey = "second-master-key"

// LicenseConfig returns a license configuration with fixed secrets and
// an allowlist containing TestMasterKey and SecondMasterKey.
func LicenseConfig() config.LicenseConfig {
	return config.LicenseConfig{
		TokenSecret:     "test-token-secret-0123456789abcdef0123456789abcdef",
		ManifestSecret:  "test-manifest-secret-fedcba9876543210fedcba9876543210",
		MasterKeyHashes: hashKey(TestMasterKey) + "," + hashKey(SecondMasterKey),
		TokenTTL:        time.Hour,
		DataDir:         "",
		RateWindow:      15 * time.Minute,
		MaxAttempts:     5,
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
