// Package services contains the request-facing orchestration of the
// license lifecycle: rate limiting, key validation, license
// resolution, token issuance, revocation, tamper recording, and audit
// retrieval.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	apierrors "opsboard/internal/errors"
	"opsboard/internal/license"
	"opsboard/internal/ratelimit"
	"opsboard/internal/store"
)

// ActivateRequest carries one activation attempt. ClientInfo is stored
// verbatim for audit and never parsed for decisions.
type ActivateRequest struct {
	Key        string
	ClientID   string
	ClientInfo json.RawMessage
	IP         string
	UserAgent  string
}

// ActivateResult is the successful activation payload.
type ActivateResult struct {
	Token     string
	LicenseID string
}

// StatusResult reports the current license verdict for a verified
// token. OK is false for a present but non-active license; that case
// carries the status and a descriptive error instead of failing at the
// transport level.
type StatusResult struct {
	OK          bool
	Status      license.Status
	LicenseID   string
	ActivatedAt time.Time
	ExpiresAt   *time.Time
	Error       string
}

// TamperRequest carries one tamper report. Token is optional and only
// used for best-effort license identity enrichment.
type TamperRequest struct {
	TamperType license.TamperType
	Details    json.RawMessage
	ClientID   string
	IP         string
	Token      string
}

// AuditResult bundles the two audit trails.
type AuditResult struct {
	Activations   []license.ActivationLog
	TamperReports []license.TamperReport
}

// LicenseService is the business logic boundary consumed by the HTTP
// layer and the feature-gate middleware.
type LicenseService interface {
	Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error)
	CheckStatus(ctx context.Context, token string) (*StatusResult, error)
	Revoke(ctx context.Context, licenseID, reason string) error
	ReportTamper(ctx context.Context, req TamperRequest)
	Audit(ctx context.Context, limit int) *AuditResult
	ListLicenses(ctx context.Context) []license.View
}

type licenseService struct {
	store   *store.Store
	signer  *license.Signer
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

// NewLicenseService wires the store, signer, and attempt limiter into
// the service implementation.
func NewLicenseService(st *store.Store, signer *license.Signer, limiter ratelimit.Limiter, logger *slog.Logger) LicenseService {
	return &licenseService{
		store:   st,
		signer:  signer,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "license_service")),
	}
}

// logAttempt appends exactly one activation log entry for the attempt.
// A failed append propagates: silently losing an audit record would
// desynchronize the durable and observed views.
func (s *licenseService) logAttempt(ctx context.Context, req ActivateRequest, licenseID string, success bool, errMsg string) error {
	entry := license.ActivationLog{
		ID:         uuid.NewString(),
		LicenseID:  licenseID,
		Timestamp:  time.Now().UTC(),
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		ClientID:   req.ClientID,
		ClientInfo: req.ClientInfo,
		Success:    success,
		Error:      errMsg,
	}
	if err := s.store.LogActivation(entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to append activation log", slog.String("error", err.Error()))
		return apierrors.ErrStorage
	}
	return nil
}

// Activate performs the full activation sequence. Ordering matters:
// the rate limit is checked before any key material is examined, and
// key validity before any storage lookup.
func (s *licenseService) Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error) {
	verdict := s.limiter.Allow(req.IP)
	if !verdict.Allowed {
		minutes := int(math.Ceil(verdict.RetryAfter.Minutes()))
		if minutes < 1 {
			minutes = 1
		}
		msg := fmt.Sprintf("Too many activation attempts. Please try again in %d minutes.", minutes)
		activationAttempts.WithLabelValues("rate_limited").Inc()
		if err := s.logAttempt(ctx, req, license.SentinelRateLimited, false, msg); err != nil {
			return nil, err
		}
		return nil, apierrors.RateLimited(msg)
	}

	if req.Key == "" {
		activationAttempts.WithLabelValues("invalid_request").Inc()
		if err := s.logAttempt(ctx, req, license.SentinelInvalidRequest, false, "Missing or invalid key"); err != nil {
			return nil, err
		}
		return nil, apierrors.ErrMissingKey
	}

	if !s.signer.IsValidMasterKey(req.Key) {
		activationAttempts.WithLabelValues("invalid_key").Inc()
		if err := s.logAttempt(ctx, req, license.SentinelInvalidKey, false, "Invalid license key"); err != nil {
			return nil, err
		}
		return nil, apierrors.ErrInvalidKey
	}

	// Lookup and creation happen in one store critical section: two
	// concurrent first activations of the same key must resolve to a
	// single license record.
	keyHash := license.HashKey(req.Key)
	resolved, created, err := s.store.FindOrCreateLicense(keyHash, func() license.License {
		return license.License{
			LicenseID:      uuid.NewString(),
			LicenseKeyHash: keyHash,
			Status:         license.StatusActive,
			ActivatedAt:    time.Now().UTC(),
			LastSeenIP:     req.IP,
		}
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist new license", slog.String("error", err.Error()))
		return nil, apierrors.ErrStorage
	}
	if created {
		s.logger.InfoContext(ctx, "license created",
			slog.String("license_id", resolved.LicenseID),
			slog.String("ip", req.IP))
	} else {
		// Update lastSeenIP against the freshest on-disk state so a
		// stale read cannot resurrect an active status.
		licenseID := resolved.LicenseID
		resolved, err = s.store.UpdateLicense(licenseID, func(l *license.License) error {
			switch l.Status {
			case license.StatusRevoked:
				return apierrors.ErrLicenseRevoked
			case license.StatusExpired:
				return apierrors.ErrLicenseExpired
			}
			l.LastSeenIP = req.IP
			return nil
		})
		if err != nil {
			var rejection *apierrors.APIError
			if errors.As(err, &rejection) {
				activationAttempts.WithLabelValues("rejected").Inc()
				msg := "License has been revoked"
				if errors.Is(rejection, apierrors.ErrLicenseExpired) {
					msg = "License has expired"
				}
				if logErr := s.logAttempt(ctx, req, licenseID, false, msg); logErr != nil {
					return nil, logErr
				}
				return nil, rejection
			}
			s.logger.ErrorContext(ctx, "failed to update license", slog.String("error", err.Error()))
			return nil, apierrors.ErrStorage
		}
	}

	token, err := s.signer.SignToken(resolved.LicenseID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to sign token", slog.String("error", err.Error()))
		return nil, apierrors.ErrInternalServer
	}

	activationAttempts.WithLabelValues("success").Inc()
	if err := s.logAttempt(ctx, req, resolved.LicenseID, true, ""); err != nil {
		return nil, err
	}
	return &ActivateResult{Token: token, LicenseID: resolved.LicenseID}, nil
}

// CheckStatus verifies the bearer token and reconciles it against the
// current license record. Token rejection is generic: callers cannot
// distinguish a bad signature from a version mismatch.
func (s *licenseService) CheckStatus(ctx context.Context, token string) (*StatusResult, error) {
	claims, err := s.signer.VerifyToken(token)
	if err != nil {
		return nil, apierrors.ErrInvalidToken
	}

	l, err := s.store.License(claims.LicenseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, apierrors.ErrStorage
	}

	if l.Status != license.StatusActive {
		return &StatusResult{
			OK:     false,
			Status: l.Status,
			Error:  fmt.Sprintf("License is %s", l.Status),
		}, nil
	}

	return &StatusResult{
		OK:          true,
		Status:      l.Status,
		LicenseID:   l.LicenseID,
		ActivatedAt: l.ActivatedAt,
		ExpiresAt:   l.ExpiresAt,
	}, nil
}

// Revoke marks a license revoked and records the reason. Idempotent:
// revoking an already-revoked license re-applies the same state.
func (s *licenseService) Revoke(ctx context.Context, licenseID, reason string) error {
	if reason == "" {
		reason = "Revoked by admin"
	}
	_, err := s.store.UpdateLicense(licenseID, func(l *license.License) error {
		l.Status = license.StatusRevoked
		l.Notes = reason
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return apierrors.ErrLicenseNotFound
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist revocation", slog.String("error", err.Error()))
		return apierrors.ErrStorage
	}
	s.logger.InfoContext(ctx, "license revoked",
		slog.String("license_id", licenseID),
		slog.String("reason", reason))
	return nil
}

// ReportTamper records an integrity violation. It never fails from the
// caller's perspective: license identity enrichment is best-effort and
// even an append failure is only logged.
func (s *licenseService) ReportTamper(ctx context.Context, req TamperRequest) {
	var licenseID string
	if req.Token != "" {
		if claims, err := s.signer.VerifyToken(req.Token); err == nil {
			licenseID = claims.LicenseID
		}
	}

	report := license.TamperReport{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		LicenseID:  licenseID,
		ClientID:   req.ClientID,
		IP:         req.IP,
		TamperType: req.TamperType,
		Details:    req.Details,
	}

	tamperReports.WithLabelValues(string(req.TamperType)).Inc()
	s.logger.WarnContext(ctx, "tamper detected",
		slog.String("tamper_type", string(req.TamperType)),
		slog.String("license_id", licenseID),
		slog.String("client_id", req.ClientID),
		slog.String("ip", req.IP))

	if err := s.store.LogTamperReport(report); err != nil {
		s.logger.ErrorContext(ctx, "failed to append tamper report", slog.String("error", err.Error()))
	}
}

// Audit returns the most recent activation logs and tamper reports.
func (s *licenseService) Audit(ctx context.Context, limit int) *AuditResult {
	if limit <= 0 {
		limit = 100
	}
	activations := s.store.ActivationLogs(limit)
	if activations == nil {
		activations = []license.ActivationLog{}
	}
	reports := s.store.TamperReports(limit)
	if reports == nil {
		reports = []license.TamperReport{}
	}
	return &AuditResult{
		Activations:   activations,
		TamperReports: reports,
	}
}

// ListLicenses returns all licenses with key-hash material stripped.
func (s *licenseService) ListLicenses(ctx context.Context) []license.View {
	licenses := s.store.Licenses()
	views := make([]license.View, 0, len(licenses))
	for _, l := range licenses {
		views = append(views, l.View())
	}
	return views
}
