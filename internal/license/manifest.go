package license

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCriticalFiles are the entry points, license logic, and root
// configuration whose modification indicates a functional change to
// protected logic.
var DefaultCriticalFiles = []string{
	"cmd/opsboard/main.go",
	"internal/license/crypto.go",
	"internal/license/manifest.go",
	"internal/store/store.go",
	"internal/services/license_service.go",
	"internal/transport/http/license_handler.go",
	"go.mod",
}

// DefaultDecoyFiles have no functional role. They exist solely as
// tripwires: any touch to one is maximally suspicious because there is
// no legitimate reason for it to change. Do not remove them from a
// deployment "to clean up".
var DefaultDecoyFiles = []string{
	"LICENSE_FAKE.md",
	"README_KEY_HINT.txt",
	"docs/KEYS_NOT_HERE.md",
	"keys/NOT_THIS_ONE.key",
}

const manifestVersion = "1.0"

// Generator produces and verifies signed file-hash manifests. It is
// invoked out-of-band at build or release time, not on the request hot
// path.
type Generator struct {
	signer   *Signer
	logger   *slog.Logger
	root     string
	critical []string
	decoys   []string
}

// NewGenerator creates a manifest generator rooted at the deployment
// directory, using the default critical and decoy file lists.
func NewGenerator(signer *Signer, root string, logger *slog.Logger) *Generator {
	return &Generator{
		signer:   signer,
		logger:   logger.With(slog.String("component", "manifest")),
		root:     root,
		critical: DefaultCriticalFiles,
		decoys:   DefaultDecoyFiles,
	}
}

// WithFiles overrides the critical and decoy file lists.
func (g *Generator) WithFiles(critical, decoys []string) *Generator {
	g.critical = critical
	g.decoys = decoys
	return g
}

// Generate reads every listed file, computes its content digest, and
// signs the assembled manifest. Unreadable files are skipped with a
// warning rather than failing the run; a partial manifest is better
// than none, but every omission is logged for operator review.
func (g *Generator) Generate() (*Manifest, string, error) {
	hashes := make(map[string]string)
	for _, file := range append(append([]string{}, g.critical...), g.decoys...) {
		content, err := os.ReadFile(filepath.Join(g.root, file))
		if err != nil {
			g.logger.Warn("could not hash file, skipping",
				slog.String("file", file),
				slog.String("error", err.Error()))
			continue
		}
		hashes[file] = "sha256:" + ComputeFileHash(content)
	}

	manifest := &Manifest{
		Version:     manifestVersion,
		GeneratedAt: g.signer.now().UTC(),
		Files:       hashes,
		Decoys:      append([]string{}, g.decoys...),
	}

	signature, err := g.signer.SignManifest(manifest)
	if err != nil {
		return nil, "", err
	}
	return manifest, signature, nil
}

// Finding is one integrity violation discovered by VerifyFiles.
type Finding struct {
	Type TamperType
	Path string
	Info string
}

// VerifyFiles recomputes hashes for every manifest entry and compares
// against the signed snapshot. The signature is checked first: an
// unverifiable manifest yields a single manifest_invalid finding and no
// partially trusted file results.
func (g *Generator) VerifyFiles(m *Manifest, signature string) []Finding {
	if !g.signer.VerifyManifestSignature(m, signature) {
		return []Finding{{Type: TamperManifestInvalid, Info: "manifest signature verification failed"}}
	}

	decoys := make(map[string]bool, len(m.Decoys))
	for _, d := range m.Decoys {
		decoys[d] = true
	}

	var findings []Finding
	for path, expected := range m.Files {
		content, err := os.ReadFile(filepath.Join(g.root, path))
		if err != nil {
			if decoys[path] {
				findings = append(findings, Finding{Type: TamperDecoyRemoved, Path: path, Info: err.Error()})
			} else {
				findings = append(findings, Finding{Type: TamperFileMissing, Path: path, Info: err.Error()})
			}
			continue
		}
		actual := "sha256:" + ComputeFileHash(content)
		if !strings.EqualFold(actual, expected) {
			if decoys[path] {
				findings = append(findings, Finding{Type: TamperDecoyModified, Path: path})
			} else {
				findings = append(findings, Finding{Type: TamperFileModified, Path: path})
			}
		}
	}
	return findings
}
