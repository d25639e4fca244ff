// Package store provides durable storage for license records and the
// append-only audit trails, independent of the request-handling layer.
//
// The backing layout is a keyed licenses.json rewritten atomically on
// every change, plus two newline-delimited JSON logs that are only ever
// appended to. Everything lives under a 0700 data directory.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"opsboard/internal/license"
)

const (
	licensesFile    = "licenses.json"
	activationsFile = "activations.jsonl"
	tamperFile      = "tamper-reports.jsonl"
	manifestFile    = "manifest.json"
	manifestSigFile = "manifest.sig"
)

// ErrNotFound is returned when a license id has no record.
var ErrNotFound = errors.New("license not found")

// Store is the single shared mutable resource of the service. It is
// constructed once at process start; Open returns only after the
// backing files exist, so no request can race initialization.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// Open creates the data directory and seed files if absent and returns
// a ready store. The directory is owner-only.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{dir: dir, logger: logger.With(slog.String("component", "store"))}

	if _, err := os.Stat(s.path(licensesFile)); err != nil {
		if err := s.writeAtomic(licensesFile, []byte("{}")); err != nil {
			return nil, fmt.Errorf("seed licenses file: %w", err)
		}
	}
	for _, name := range []string{activationsFile, tamperFile} {
		f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", name, err)
		}
		f.Close()
	}
	return s, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// writeAtomic writes to a temporary file in the same directory and
// renames it over the canonical path, so a crash mid-write cannot leave
// a partially written record.
func (s *Store) writeAtomic(name string, content []byte) error {
	target := s.path(name)
	tmp := target + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Licenses returns the full license set keyed by license id. A missing
// or corrupted backing file degrades to an empty set; higher layers
// treat "no license found" as a legitimate state.
func (s *Store) Licenses() map[string]license.License {
	content, err := os.ReadFile(s.path(licensesFile))
	if err != nil {
		s.logger.Warn("failed to read licenses, returning empty set", slog.String("error", err.Error()))
		return map[string]license.License{}
	}
	licenses := map[string]license.License{}
	if err := json.Unmarshal(content, &licenses); err != nil {
		s.logger.Warn("licenses file corrupted, returning empty set", slog.String("error", err.Error()))
		return map[string]license.License{}
	}
	return licenses
}

// License returns a single record, or ErrNotFound.
func (s *Store) License(licenseID string) (*license.License, error) {
	licenses := s.Licenses()
	l, ok := licenses[licenseID]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

// SaveLicense upserts a license by id. The read-modify-write cycle runs
// under the store lock and the result replaces the canonical file
// atomically. Write failures propagate to the caller.
func (s *Store) SaveLicense(l license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	licenses := s.Licenses()
	licenses[l.LicenseID] = l
	return s.persistLicenses(licenses)
}

// UpdateLicense re-reads the freshest on-disk record under the write
// lock, applies fn, and persists. A concurrent activation that observed
// a pre-revocation snapshot therefore cannot resurrect an active
// status: fn always sees current state.
func (s *Store) UpdateLicense(licenseID string, fn func(*license.License) error) (*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	licenses := s.Licenses()
	l, ok := licenses[licenseID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&l); err != nil {
		return nil, err
	}
	licenses[l.LicenseID] = l
	if err := s.persistLicenses(licenses); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) persistLicenses(licenses map[string]license.License) error {
	content, err := json.MarshalIndent(licenses, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize licenses: %w", err)
	}
	if err := s.writeAtomic(licensesFile, content); err != nil {
		return fmt.Errorf("persist licenses: %w", err)
	}
	return nil
}

// FindLicenseByKeyHash scans the license set for a matching key hash.
// Linear scan is acceptable at the expected scale; callers must not
// assume ordering.
func (s *Store) FindLicenseByKeyHash(keyHash string) (*license.License, error) {
	for _, l := range s.Licenses() {
		if l.LicenseKeyHash == keyHash {
			found := l
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

// FindOrCreateLicense returns the license with the given key hash,
// creating one via fresh when none exists. Lookup and insert run under
// the same lock, so two concurrent first activations of one key
// resolve to a single record. The boolean reports whether a record was
// created.
func (s *Store) FindOrCreateLicense(keyHash string, fresh func() license.License) (*license.License, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	licenses := s.Licenses()
	for _, l := range licenses {
		if l.LicenseKeyHash == keyHash {
			found := l
			return &found, false, nil
		}
	}
	created := fresh()
	licenses[created.LicenseID] = created
	if err := s.persistLicenses(licenses); err != nil {
		return nil, false, err
	}
	return &created, true, nil
}

// LogActivation appends one immutable activation record. Append
// failures propagate; losing an audit record silently is unacceptable.
func (s *Store) LogActivation(entry license.ActivationLog) error {
	return s.appendLine(activationsFile, entry)
}

// ActivationLogs returns the most recent limit entries in chronological
// order.
func (s *Store) ActivationLogs(limit int) []license.ActivationLog {
	var logs []license.ActivationLog
	s.readLines(activationsFile, func(line []byte) {
		var entry license.ActivationLog
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping corrupt activation log line", slog.String("error", err.Error()))
			return
		}
		logs = append(logs, entry)
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return logs
}

// LogTamperReport appends one immutable tamper record.
func (s *Store) LogTamperReport(report license.TamperReport) error {
	return s.appendLine(tamperFile, report)
}

// TamperReports returns the most recent limit reports in chronological
// order.
func (s *Store) TamperReports(limit int) []license.TamperReport {
	var reports []license.TamperReport
	s.readLines(tamperFile, func(line []byte) {
		var report license.TamperReport
		if err := json.Unmarshal(line, &report); err != nil {
			s.logger.Warn("skipping corrupt tamper report line", slog.String("error", err.Error()))
			return
		}
		reports = append(reports, report)
	})
	if limit > 0 && len(reports) > limit {
		reports = reports[len(reports)-limit:]
	}
	return reports
}

func (s *Store) appendLine(name string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize log entry: %w", err)
	}
	f, err := os.OpenFile(s.path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", name, err)
	}
	return nil
}

func (s *Store) readLines(name string, fn func([]byte)) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
}

// SaveManifest persists a manifest and its detached signature as a
// pair.
func (s *Store) SaveManifest(m *license.Manifest, signature string) error {
	content, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}
	if err := s.writeAtomic(manifestFile, content); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	if err := s.writeAtomic(manifestSigFile, []byte(signature)); err != nil {
		return fmt.Errorf("persist manifest signature: %w", err)
	}
	return nil
}

// LoadManifest retrieves the manifest/signature pair. Both are returned
// or neither: a manifest without a matching signature file is treated
// as absent rather than a partially trusted structure.
func (s *Store) LoadManifest() (*license.Manifest, string, error) {
	content, err := os.ReadFile(s.path(manifestFile))
	if err != nil {
		return nil, "", nil
	}
	sig, err := os.ReadFile(s.path(manifestSigFile))
	if err != nil {
		return nil, "", nil
	}
	var m license.Manifest
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, "", fmt.Errorf("parse manifest: %w", err)
	}
	return &m, strings.TrimSpace(string(sig)), nil
}
