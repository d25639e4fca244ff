// Command genmanifest generates and signs the integrity manifest. Run
// at build or release time, never on the request path.
package main

import (
	"flag"
	"log/slog"
	"os"

	"opsboard/internal/config"
	"opsboard/internal/infrastructure"
	"opsboard/internal/license"
	"opsboard/internal/store"
)

func main() {
	root := flag.String("root", ".", "deployment root the manifest paths are relative to")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Error("logging", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := store.Open(cfg.License.DataDir, logger)
	if err != nil {
		logger.Error("open store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	signer := license.NewSigner(cfg.License)
	generator := license.NewGenerator(signer, *root, logger)

	manifest, signature, err := generator.Generate()
	if err != nil {
		logger.Error("failed to generate manifest", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := st.SaveManifest(manifest, signature); err != nil {
		logger.Error("failed to save manifest", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("manifest generated and saved",
		slog.Int("files", len(manifest.Files)),
		slog.Int("decoys", len(manifest.Decoys)),
		slog.String("data_dir", cfg.License.DataDir))
}
