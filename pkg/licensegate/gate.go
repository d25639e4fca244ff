// Package licensegate is the client-side license reconciler. It
// periodically checks local license belief against the server and
// exposes a coarse state plus feature flags that the embedding
// application uses to render normally, block, or degrade.
//
// The gate holds no authority: every verdict is re-derived from the
// server on each status check. Locally it owns only the bearer token
// and a generated per-install client identifier.
package licensegate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the client-observed license state.
type State string

const (
	// StateUnactivated means no stored token; the application should
	// prompt for activation.
	StateUnactivated State = "unactivated"
	// StatePending means an activation request is in flight.
	StatePending State = "pending"
	// StateChecking means a token exists and a status poll is due or in
	// flight.
	StateChecking State = "checking"
	// StateValid means the server confirmed an active license.
	StateValid State = "valid"
	// StateInvalid means the server confirmed a non-active status or
	// rejected the token.
	StateInvalid State = "invalid"
	// StateTampered is terminal: entered only by an explicit tamper
	// report and never cleared by a status poll. Reset is the only way
	// out. Easy to enter, hard to leave is intentional.
	StateTampered State = "tampered"
)

// gatedFeatures is the fixed set of sensitive features disabled unless
// the license is simultaneously activated, valid, and untampered.
// Everything else stays available regardless of license state.
var gatedFeatures = map[string]bool{
	"chat":     true,
	"export":   true,
	"admin":    true,
	"upload":   true,
	"rankings": true,
}

// DefaultPollInterval is how often the gate re-checks status.
const DefaultPollInterval = 5 * time.Minute

// Snapshot is a point-in-time view of the gate.
type Snapshot struct {
	State       State
	Status      string
	LicenseID   string
	ActivatedAt string
	ExpiresAt   string
	Err         string
}

// Config configures a Gate.
type Config struct {
	// BaseURL of the license server, e.g. "http://localhost:8080".
	BaseURL string
	// StateFile persists the client id and obfuscated token. Defaults
	// to ".opsboard/license-state.json" in the user home directory.
	StateFile string
	// PollInterval between status checks; DefaultPollInterval if zero.
	PollInterval time.Duration
	// HTTPClient defaults to a 10s-timeout client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Gate reconciles local license belief with server truth.
type Gate struct {
	baseURL   string
	stateFile string
	interval  time.Duration
	client    *http.Client
	logger    *slog.Logger

	mu       sync.Mutex
	snap     Snapshot
	token    string
	clientID string
}

type persistedState struct {
	ClientID string `json:"clientId"`
	// Token is base64-obfuscated at rest. Obfuscation, not protection:
	// the server re-validates on every check regardless.
	Token string `json:"token,omitempty"`
}

// New creates a gate, loading any persisted client id and token. A
// fresh install generates and persists a new client id.
func New(cfg Config) (*Gate, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("licensegate: base URL is required")
	}
	stateFile := cfg.StateFile
	if stateFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("licensegate: resolve home dir: %w", err)
		}
		stateFile = filepath.Join(home, ".opsboard", "license-state.json")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gate{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		stateFile: stateFile,
		interval:  interval,
		client:    client,
		logger:    logger.With(slog.String("component", "license_gate")),
		snap:      Snapshot{State: StateUnactivated},
	}
	if err := g.loadState(); err != nil {
		return nil, err
	}
	if g.token != "" {
		g.snap.State = StateChecking
	}
	return g, nil
}

func (g *Gate) loadState() error {
	content, err := os.ReadFile(g.stateFile)
	if err == nil {
		var ps persistedState
		if jsonErr := json.Unmarshal(content, &ps); jsonErr == nil {
			g.clientID = ps.ClientID
			if decoded, decErr := base64.StdEncoding.DecodeString(ps.Token); decErr == nil {
				g.token = string(decoded)
			}
		}
	}
	if g.clientID == "" {
		g.clientID = uuid.NewString()
		return g.saveState()
	}
	return nil
}

func (g *Gate) saveState() error {
	ps := persistedState{ClientID: g.clientID}
	if g.token != "" {
		ps.Token = base64.StdEncoding.EncodeToString([]byte(g.token))
	}
	content, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.stateFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(g.stateFile, content, 0o600)
}

type activateResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token"`
	Error string `json:"error"`
}

type statusResponse struct {
	OK          bool   `json:"ok"`
	Status      string `json:"status"`
	LicenseID   string `json:"licenseId"`
	ActivatedAt string `json:"activatedAt"`
	ExpiresAt   string `json:"expiresAt"`
	Error       string `json:"error"`
}

// Activate submits a license key. On success the returned token is
// stored and a status check runs immediately; on failure the gate
// stays unactivated and the server's error is returned.
func (g *Gate) Activate(ctx context.Context, key string) error {
	g.mu.Lock()
	if g.snap.State == StateTampered {
		g.mu.Unlock()
		return fmt.Errorf("tamper detected; discard local credentials with Reset before re-activating")
	}
	g.snap.State = StatePending
	clientID := g.clientID
	g.mu.Unlock()

	body, _ := json.Marshal(map[string]any{
		"key":      key,
		"clientId": clientID,
		"clientInfo": map[string]string{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})

	var resp activateResponse
	status, err := g.post(ctx, "/api/license/activate", body, "", &resp)
	if err != nil || !resp.OK {
		g.mu.Lock()
		g.snap.State = StateUnactivated
		if err != nil {
			g.snap.Err = "Activation failed. Please try again."
			g.mu.Unlock()
			return fmt.Errorf("licensegate: activation request: %w", err)
		}
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("Activation failed (HTTP %d)", status)
		}
		g.snap.Err = msg
		g.mu.Unlock()
		return fmt.Errorf("licensegate: %s", msg)
	}

	g.mu.Lock()
	g.token = resp.Token
	g.snap.State = StateChecking
	g.snap.Err = ""
	if err := g.saveState(); err != nil {
		g.logger.Warn("failed to persist token", slog.String("error", err.Error()))
	}
	g.mu.Unlock()

	g.CheckStatus(ctx)
	return nil
}

// CheckStatus polls the server and applies the state transition rules:
// active confirms valid; a non-active verdict turns invalid; an
// authentication failure additionally discards the stored token; a
// transport failure keeps the last known state with a transient error.
func (g *Gate) CheckStatus(ctx context.Context) {
	g.mu.Lock()
	if g.snap.State == StateTampered {
		g.mu.Unlock()
		return
	}
	token := g.token
	g.mu.Unlock()

	if token == "" {
		g.mu.Lock()
		g.snap = Snapshot{State: StateUnactivated}
		g.mu.Unlock()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/license/status", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := g.client.Do(req)
	if err != nil {
		// A network blip must not lock out a previously valid session.
		g.mu.Lock()
		g.snap.Err = "Failed to verify license status"
		g.mu.Unlock()
		g.logger.Warn("status check failed", slog.String("error", err.Error()))
		return
	}
	defer httpResp.Body.Close()

	var resp statusResponse
	decodeErr := json.NewDecoder(httpResp.Body).Decode(&resp)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snap.State == StateTampered {
		return
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized:
		// Token rejected: discard credentials and force re-activation.
		g.token = ""
		if err := g.saveState(); err != nil {
			g.logger.Warn("failed to clear token", slog.String("error", err.Error()))
		}
		g.snap = Snapshot{State: StateUnactivated, Err: "Invalid or expired license"}
	case httpResp.StatusCode != http.StatusOK || decodeErr != nil:
		g.snap.Err = "Failed to verify license status"
	case resp.OK:
		g.snap = Snapshot{
			State:       StateValid,
			Status:      resp.Status,
			LicenseID:   resp.LicenseID,
			ActivatedAt: resp.ActivatedAt,
			ExpiresAt:   resp.ExpiresAt,
		}
	default:
		g.snap = Snapshot{
			State:  StateInvalid,
			Status: resp.Status,
			Err:    resp.Error,
		}
	}
}

// Run polls status immediately and then on every interval tick until
// ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	g.CheckStatus(ctx)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.CheckStatus(ctx)
		}
	}
}

// ReportTamper flips the gate into the terminal tampered state first,
// then best-effort reports to the server. Reporting failure does not
// soften the local verdict.
func (g *Gate) ReportTamper(ctx context.Context, tamperType string, details any) {
	g.mu.Lock()
	g.snap = Snapshot{State: StateTampered, Err: "Integrity violation detected"}
	token := g.token
	clientID := g.clientID
	g.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{
		"tamperType": tamperType,
		"details":    details,
		"clientId":   clientID,
	})
	var resp struct {
		OK bool `json:"ok"`
	}
	if _, err := g.post(ctx, "/api/license/tamper-report", payload, token, &resp); err != nil {
		g.logger.Error("failed to report tamper", slog.String("error", err.Error()))
	}
}

// Reset discards local credentials. It is the only path out of the
// tampered state and effectively returns the gate to unactivated.
func (g *Gate) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = ""
	g.snap = Snapshot{State: StateUnactivated}
	return g.saveState()
}

// Snapshot returns the current gate view.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap
}

// HasFeature reports whether the named feature is currently available.
// Sensitive features require a valid, untampered, activated license;
// all others remain available so the product degrades rather than
// becoming unusable.
func (g *Gate) HasFeature(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snap.State == StateValid {
		return true
	}
	return !gatedFeatures[strings.ToLower(name)]
}

func (g *Gate) post(ctx context.Context, path string, body []byte, token string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
