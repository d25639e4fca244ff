package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"

	apierrors "opsboard/internal/errors"
	"opsboard/internal/services"
)

// gateCacheTTL bounds how long a positive verdict for a token is
// reused before re-checking against the store.
const gateCacheTTL = time.Minute

// LicenseGate protects feature routes that require an activated,
// valid license. Requests carry the bearer token issued at activation;
// the gate re-derives the verdict from the service, caching positive
// results briefly so hot paths do not hit storage on every request.
type LicenseGate struct {
	service services.LicenseService
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]time.Time
}

// NewLicenseGate creates the gating middleware.
func NewLicenseGate(service services.LicenseService, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		service: service,
		logger:  logger.With(slog.String("component", "license_gate")),
		cache:   make(map[string]time.Time),
	}
}

// Handler rejects requests without a token (401) or with a license
// that is not currently active (403).
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			render.Render(w, r, apierrors.ErrNoToken)
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		if g.cachedValid(token) {
			next.ServeHTTP(w, r)
			return
		}

		result, err := g.service.CheckStatus(r.Context(), token)
		if err != nil {
			render.Render(w, r, apierrors.FromError(err))
			return
		}
		if !result.OK {
			g.logger.WarnContext(r.Context(), "gated request with non-active license",
				slog.String("status", string(result.Status)),
				slog.String("path", r.URL.Path))
			render.Render(w, r, apierrors.New(http.StatusForbidden, "LICENSE_"+strings.ToUpper(string(result.Status)), result.Error))
			return
		}

		g.markValid(token)
		next.ServeHTTP(w, r)
	})
}

func (g *LicenseGate) cachedValid(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	checkedAt, ok := g.cache[token]
	return ok && time.Since(checkedAt) < gateCacheTTL
}

func (g *LicenseGate) markValid(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[token] = time.Now()
}

// Invalidate drops all cached verdicts, e.g. after a revocation.
func (g *LicenseGate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = make(map[string]time.Time)
}
