package http

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "opsboard/internal/errors"
	"opsboard/internal/license"
	"opsboard/internal/services"
)

// maxClientInfoBytes bounds the opaque client metadata blob stored in
// the audit trail.
const maxClientInfoBytes = 4096

// LicenseHandler handles license-related HTTP requests.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/activate", h.Activate)
	r.Get("/status", h.Status)
	r.Post("/revoke", h.Revoke)
	r.Post("/tamper-report", h.TamperReport)
	r.Get("/audit", h.Audit)
	r.Get("/list", h.List)
	return r
}

// ActivateRequest is the activation request payload.
type ActivateRequest struct {
	Key        string          `json:"key"`
	ClientID   string          `json:"clientId"`
	ClientInfo json.RawMessage `json:"clientInfo,omitempty"`
}

// Bind implements render.Binder. A missing key is NOT rejected here:
// the service must still rate-limit and audit-log malformed attempts,
// so only structurally unreadable bodies fail at bind time.
func (a *ActivateRequest) Bind(r *http.Request) error {
	if len(a.ClientInfo) > maxClientInfoBytes {
		a.ClientInfo = a.ClientInfo[:0]
	}
	return nil
}

// RevokeRequest is the administrative revocation payload.
type RevokeRequest struct {
	LicenseID string `json:"licenseId"`
	Reason    string `json:"reason,omitempty"`
}

// Bind implements render.Binder.
func (rr *RevokeRequest) Bind(r *http.Request) error {
	return nil
}

// TamperReportRequest is the tamper report payload.
type TamperReportRequest struct {
	TamperType string          `json:"tamperType"`
	Details    json.RawMessage `json:"details,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
}

// Bind implements render.Binder. Reporting must never be blockable by
// a malformed request, so nothing is validated.
func (t *TamperReportRequest) Bind(r *http.Request) error {
	return nil
}

// ActivateResponse is the successful activation payload.
type ActivateResponse struct {
	OK        bool   `json:"ok"`
	Token     string `json:"token"`
	LicenseID string `json:"licenseId"`
}

// StatusResponse is the license status payload.
type StatusResponse struct {
	OK          bool           `json:"ok"`
	Status      license.Status `json:"status,omitempty"`
	LicenseID   string         `json:"licenseId,omitempty"`
	ActivatedAt *time.Time     `json:"activatedAt,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// MessageResponse is a generic ok+message payload.
type MessageResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// AuditResponse bundles the audit trails.
type AuditResponse struct {
	OK            bool                    `json:"ok"`
	Activations   []license.ActivationLog `json:"activations"`
	TamperReports []license.TamperReport  `json:"tamperReports"`
}

// ListResponse carries the sanitized license set.
type ListResponse struct {
	OK       bool           `json:"ok"`
	Licenses []license.View `json:"licenses"`
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	// An unreadable body still goes through the service so the attempt
	// is rate-limited and logged under the invalid-request sentinel.
	if err := render.Bind(r, &req); err != nil {
		req = ActivateRequest{}
	}

	result, err := h.service.Activate(r.Context(), services.ActivateRequest{
		Key:        req.Key,
		ClientID:   req.ClientID,
		ClientInfo: req.ClientInfo,
		IP:         callerAddr(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, ActivateResponse{OK: true, Token: result.Token, LicenseID: result.LicenseID})
}

// Status handles GET /api/license/status. A present but non-active
// license is a 200 with ok:false; only token and lookup failures use
// error status codes, so clients can tell the two classes apart.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.renderError(w, r, apierrors.ErrNoToken)
		return
	}

	result, err := h.service.CheckStatus(r.Context(), token)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	if !result.OK {
		render.JSON(w, r, StatusResponse{OK: false, Status: result.Status, Error: result.Error})
		return
	}

	resp := StatusResponse{
		OK:        true,
		Status:    result.Status,
		LicenseID: result.LicenseID,
		ExpiresAt: result.ExpiresAt,
	}
	if !result.ActivatedAt.IsZero() {
		activatedAt := result.ActivatedAt
		resp.ActivatedAt = &activatedAt
	}
	render.JSON(w, r, resp)
}

// Revoke handles POST /api/license/revoke. The route is expected to be
// mounted in an already privileged context.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if req.LicenseID == "" {
		h.renderError(w, r, apierrors.ErrMissingID)
		return
	}

	if err := h.service.Revoke(r.Context(), req.LicenseID, req.Reason); err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, MessageResponse{OK: true, Message: "License revoked successfully"})
}

// TamperReport handles POST /api/license/tamper-report. It always
// succeeds from the caller's perspective.
func (h *LicenseHandler) TamperReport(w http.ResponseWriter, r *http.Request) {
	var req TamperReportRequest
	if err := render.Bind(r, &req); err != nil {
		req = TamperReportRequest{}
	}

	token, _ := bearerToken(r)
	h.service.ReportTamper(r.Context(), services.TamperRequest{
		TamperType: license.TamperType(req.TamperType),
		Details:    req.Details,
		ClientID:   req.ClientID,
		IP:         callerAddr(r),
		Token:      token,
	})

	render.JSON(w, r, MessageResponse{OK: true, Message: "Tamper report logged"})
}

// Audit handles GET /api/license/audit?limit=N.
func (h *LicenseHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	result := h.service.Audit(r.Context(), limit)
	render.JSON(w, r, AuditResponse{
		OK:            true,
		Activations:   result.Activations,
		TamperReports: result.TamperReports,
	})
}

// List handles GET /api/license/list.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, ListResponse{OK: true, Licenses: h.service.ListLicenses(r.Context())})
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.FromError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	if renderErr := render.Render(w, r, apiErr); renderErr != nil {
		http.Error(w, apiErr.Message, apiErr.StatusCode)
	}
}

// bearerToken extracts a bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token, token != ""
}

// callerAddr returns the caller network address, as rewritten by the
// RealIP middleware when present.
func callerAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
