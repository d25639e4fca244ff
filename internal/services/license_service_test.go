package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "opsboard/internal/errors"
	"opsboard/internal/license"
	"opsboard/internal/ratelimit"
	"opsboard/internal/shared/testutil"
	"opsboard/internal/store"
)

type fixture struct {
	service LicenseService
	store   *store.Store
	signer  *license.Signer
	limiter *ratelimit.FixedWindow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := testutil.NewLogger(t)
	st, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)

	cfg := testutil.LicenseConfig()
	signer := license.NewSigner(cfg)
	limiter := ratelimit.NewFixedWindow(cfg.RateWindow, cfg.MaxAttempts)
	return &fixture{
		service: NewLicenseService(st, signer, limiter, logger),
		store:   st,
		signer:  signer,
		limiter: limiter,
	}
}

func activateReq(key, ip string) ActivateRequest {
	return ActivateRequest{
		Key:        key,
		ClientID:   "client-abc",
		ClientInfo: json.RawMessage(`{"platform":"linux"}`),
		IP:         ip,
		UserAgent:  "opsboard-test/1.0",
	}
}

func TestActivate_CreatesLicenseOnFirstValidKey(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Activate(context.Background(), activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)
	require.NotEmpty(t, result.LicenseID)

	stored, err := f.store.License(result.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, stored.Status)
	assert.Equal(t, license.HashKey(testutil.TestMasterKey), stored.LicenseKeyHash)
	assert.Equal(t, "203.0.113.1", stored.LastSeenIP)
	assert.False(t, stored.ActivatedAt.IsZero())

	claims, err := f.signer.VerifyToken(result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.LicenseID, claims.LicenseID)
}

func TestActivate_IdempotentIdentityResolution(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.Activate(context.Background(), activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)
	second, err := f.service.Activate(context.Background(), activateReq(testutil.TestMasterKey, "198.51.100.2"))
	require.NoError(t, err)

	assert.Equal(t, first.LicenseID, second.LicenseID, "same key resolves to same license")
	assert.Len(t, f.store.Licenses(), 1)

	stored, err := f.store.License(first.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.2", stored.LastSeenIP, "lastSeenIP follows the latest activation")
}

func TestActivate_ConcurrentFirstActivationsShareOneLicense(t *testing.T) {
	f := newFixture(t)

	const goroutines = 4
	results := make([]*ActivateResult, goroutines)
	errs := make([]error, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct caller addresses keep the attempt limiter out of
			// the picture.
			ip := fmt.Sprintf("203.0.113.%d", i+1)
			results[i], errs[i] = f.service.Activate(context.Background(), activateReq(testutil.TestMasterKey, ip))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "activation %d", i)
	}

	for i := 1; i < goroutines; i++ {
		assert.Equal(t, results[0].LicenseID, results[i].LicenseID, "same key resolves to one identity under concurrency")
	}
	assert.Len(t, f.store.Licenses(), 1, "exactly one license persisted for the key hash")
}

func TestActivate_DistinctKeysGetDistinctLicenses(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.Activate(context.Background(), activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)
	second, err := f.service.Activate(context.Background(), activateReq(testutil.SecondMasterKey, "203.0.113.1"))
	require.NoError(t, err)

	assert.NotEqual(t, first.LicenseID, second.LicenseID)
}

func TestActivate_InvalidKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Activate(context.Background(), activateReq("wrong-key", "203.0.113.1"))
	assert.ErrorIs(t, err, apierrors.ErrInvalidKey)

	logs := f.store.ActivationLogs(10)
	require.Len(t, logs, 1)
	assert.Equal(t, license.SentinelInvalidKey, logs[0].LicenseID)
	assert.False(t, logs[0].Success)
	assert.Equal(t, "Invalid license key", logs[0].Error)
	assert.Equal(t, "client-abc", logs[0].ClientID)
}

func TestActivate_MissingKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Activate(context.Background(), activateReq("", "203.0.113.1"))
	assert.ErrorIs(t, err, apierrors.ErrMissingKey)

	logs := f.store.ActivationLogs(10)
	require.Len(t, logs, 1)
	assert.Equal(t, license.SentinelInvalidRequest, logs[0].LicenseID)
	assert.False(t, logs[0].Success)
}

func TestActivate_RateLimited(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		_, err := f.service.Activate(context.Background(), activateReq("wrong-key", "203.0.113.1"))
		assert.ErrorIs(t, err, apierrors.ErrInvalidKey, "attempt %d fails on the key, not the limiter", i+1)
	}

	_, err := f.service.Activate(context.Background(), activateReq("wrong-key", "203.0.113.1"))
	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "try again in")

	// The rate-limited attempt itself is still logged with the
	// sentinel id: forensic visibility into abuse is preserved even
	// when the key was never checked.
	logs := f.store.ActivationLogs(10)
	require.Len(t, logs, 6)
	assert.Equal(t, license.SentinelRateLimited, logs[5].LicenseID)

	// A different caller address is unaffected.
	_, err = f.service.Activate(context.Background(), activateReq(testutil.TestMasterKey, "198.51.100.9"))
	assert.NoError(t, err)
}

func TestActivate_RateLimitBeforeKeyCheck(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.service.Activate(context.Background(), activateReq("wrong-key", "203.0.113.1"))
	}

	// Even a valid key is rejected once the window cap is hit.
	_, err := f.service.Activate(context.Background(), activateReq(testutil.TestMasterKey, "203.0.113.1"))
	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
}

func TestActivate_RevokedNeverReactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)
	require.NoError(t, f.service.Revoke(ctx, result.LicenseID, "fraud"))

	for i := 0; i < 3; i++ {
		_, err = f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
		assert.ErrorIs(t, err, apierrors.ErrLicenseRevoked, "re-activation %d must be rejected", i+1)
	}

	stored, err := f.store.License(result.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, stored.Status)

	// Failures are logged against the real license id.
	logs := f.store.ActivationLogs(10)
	last := logs[len(logs)-1]
	assert.Equal(t, result.LicenseID, last.LicenseID)
	assert.False(t, last.Success)
	assert.Equal(t, "License has been revoked", last.Error)
}

func TestActivate_ExpiredRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)
	_, err = f.store.UpdateLicense(result.LicenseID, func(l *license.License) error {
		l.Status = license.StatusExpired
		return nil
	})
	require.NoError(t, err)

	_, err = f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
	assert.ErrorIs(t, err, apierrors.ErrLicenseExpired)
}

func TestCheckStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)

	t.Run("active license", func(t *testing.T) {
		status, err := f.service.CheckStatus(ctx, result.Token)
		require.NoError(t, err)
		assert.True(t, status.OK)
		assert.Equal(t, license.StatusActive, status.Status)
		assert.Equal(t, result.LicenseID, status.LicenseID)
		assert.False(t, status.ActivatedAt.IsZero())
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := f.service.CheckStatus(ctx, "garbage")
		assert.ErrorIs(t, err, apierrors.ErrInvalidToken)
	})

	t.Run("token for a deleted record", func(t *testing.T) {
		orphan, err := f.signer.SignToken("no-such-license")
		require.NoError(t, err)
		_, err = f.service.CheckStatus(ctx, orphan)
		assert.ErrorIs(t, err, apierrors.ErrLicenseNotFound)
	})

	t.Run("revoked license is ok:false, not an error", func(t *testing.T) {
		require.NoError(t, f.service.Revoke(ctx, result.LicenseID, "abuse"))
		status, err := f.service.CheckStatus(ctx, result.Token)
		require.NoError(t, err)
		assert.False(t, status.OK)
		assert.Equal(t, license.StatusRevoked, status.Status)
		assert.Equal(t, "License is revoked", status.Error)
	})
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)

	t.Run("records the reason", func(t *testing.T) {
		require.NoError(t, f.service.Revoke(ctx, result.LicenseID, "chargeback"))
		stored, err := f.store.License(result.LicenseID)
		require.NoError(t, err)
		assert.Equal(t, license.StatusRevoked, stored.Status)
		assert.Equal(t, "chargeback", stored.Notes)
	})

	t.Run("idempotent", func(t *testing.T) {
		assert.NoError(t, f.service.Revoke(ctx, result.LicenseID, "chargeback"))
	})

	t.Run("missing license", func(t *testing.T) {
		err := f.service.Revoke(ctx, "no-such-id", "whatever")
		assert.ErrorIs(t, err, apierrors.ErrLicenseNotFound)
	})

	t.Run("empty reason gets a default note", func(t *testing.T) {
		other, err := f.service.Activate(ctx, activateReq(testutil.SecondMasterKey, "203.0.113.2"))
		require.NoError(t, err)
		require.NoError(t, f.service.Revoke(ctx, other.LicenseID, ""))
		stored, err := f.store.License(other.LicenseID)
		require.NoError(t, err)
		assert.Equal(t, "Revoked by admin", stored.Notes)
	})
}

func TestReportTamper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("without token licenseId stays empty", func(t *testing.T) {
		f.service.ReportTamper(ctx, TamperRequest{
			TamperType: license.TamperDecoyModified,
			Details:    json.RawMessage(`{"file":"DECOY.md"}`),
			ClientID:   "client-abc",
			IP:         "203.0.113.1",
		})

		reports := f.store.TamperReports(10)
		require.Len(t, reports, 1)
		assert.Equal(t, license.TamperDecoyModified, reports[0].TamperType)
		assert.Empty(t, reports[0].LicenseID)
		assert.Equal(t, "client-abc", reports[0].ClientID)
	})

	t.Run("valid token enriches with license identity", func(t *testing.T) {
		result, err := f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
		require.NoError(t, err)

		f.service.ReportTamper(ctx, TamperRequest{
			TamperType: license.TamperFileModified,
			Token:      result.Token,
			IP:         "203.0.113.1",
		})

		reports := f.store.TamperReports(10)
		assert.Equal(t, result.LicenseID, reports[len(reports)-1].LicenseID)
	})

	t.Run("invalid token does not block the report", func(t *testing.T) {
		before := len(f.store.TamperReports(100))
		f.service.ReportTamper(ctx, TamperRequest{
			TamperType: license.TamperManifestInvalid,
			Token:      "garbage-token",
		})
		reports := f.store.TamperReports(100)
		require.Len(t, reports, before+1)
		assert.Empty(t, reports[len(reports)-1].LicenseID)
	})
}

func TestAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("empty trails are empty slices", func(t *testing.T) {
		result := f.service.Audit(ctx, 10)
		assert.NotNil(t, result.Activations)
		assert.NotNil(t, result.TamperReports)
		assert.Empty(t, result.Activations)
	})

	// Every attempt class produces exactly one log entry.
	f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
	f.service.Activate(ctx, activateReq("wrong-key", "203.0.113.1"))
	f.service.Activate(ctx, activateReq("", "203.0.113.1"))
	f.service.ReportTamper(ctx, TamperRequest{TamperType: license.TamperDecoyRemoved})

	t.Run("completeness", func(t *testing.T) {
		result := f.service.Audit(ctx, 100)
		assert.Len(t, result.Activations, 3)
		assert.Len(t, result.TamperReports, 1)
	})

	t.Run("limit respected", func(t *testing.T) {
		result := f.service.Audit(ctx, 2)
		assert.Len(t, result.Activations, 2)
	})
}

func TestListLicenses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Activate(ctx, activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)

	views := f.service.ListLicenses(ctx)
	require.Len(t, views, 1)
	assert.Equal(t, result.LicenseID, views[0].LicenseID)
	assert.Equal(t, license.StatusActive, views[0].Status)

	// The key hash never leaves the service.
	payload, err := json.Marshal(views)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), license.HashKey(testutil.TestMasterKey))
	assert.NotContains(t, string(payload), "licenseKeyHash")
}

func TestRestartResetsRateLimitsButNotLicenses(t *testing.T) {
	logger, _ := testutil.NewLogger(t)
	dir := t.TempDir()
	cfg := testutil.LicenseConfig()
	signer := license.NewSigner(cfg)

	st, err := store.Open(dir, logger)
	require.NoError(t, err)
	svc := NewLicenseService(st, signer, ratelimit.NewFixedWindow(cfg.RateWindow, 1), logger)

	first, err := svc.Activate(context.Background(), activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.Error(t, err, "second attempt within the window is limited")

	// Simulated restart: fresh store handle and fresh limiter over the
	// same data directory.
	st2, err := store.Open(dir, logger)
	require.NoError(t, err)
	svc2 := NewLicenseService(st2, signer, ratelimit.NewFixedWindow(cfg.RateWindow, 1), logger)

	second, err := svc2.Activate(context.Background(), activateReq(testutil.TestMasterKey, "203.0.113.1"))
	require.NoError(t, err, "rate limits do not survive restart")
	assert.Equal(t, first.LicenseID, second.LicenseID, "licenses do survive restart")

	// Durable audit trail spans both processes.
	assert.GreaterOrEqual(t, len(st2.ActivationLogs(100)), 3)
}

func TestActivationLogTimestamps(t *testing.T) {
	f := newFixture(t)
	before := time.Now().UTC().Add(-time.Second)

	f.service.Activate(context.Background(), activateReq(testutil.TestMasterKey, "203.0.113.1"))

	logs := f.store.ActivationLogs(1)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Timestamp.After(before))
	assert.NotEmpty(t, logs[0].ID)
	assert.JSONEq(t, `{"platform":"linux"}`, string(logs[0].ClientInfo))
}
