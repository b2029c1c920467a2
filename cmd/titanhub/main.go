// Command titanhub is the entry point of the Titan execution hub. It loads
// configuration, validates it, wires dependencies, sets up signal handling, and
// starts the hub in the configured mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/titanhub/internal/app"
	"github.com/alanyoungcy/titanhub/internal/config"
	"github.com/alanyoungcy/titanhub/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty for defaults + env)")
	logLevel := flag.String("log-level", "", "override log_level (debug, info, warn, error)")
	sealIn := flag.String("seal-secrets", "", "seal a plaintext JSON secrets file and exit")
	sealOut := flag.String("out", "secrets.sealed.json", "output path for -seal-secrets")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *sealIn != "" {
		if err := sealSecrets(*sealIn, *sealOut); err != nil {
			fmt.Fprintf(os.Stderr, "seal secrets: %v\n", err)
			os.Exit(1)
		}
		logger.Info("secrets sealed", slog.String("out", *sealOut))
		return
	}

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("titan hub starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("titan hub stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sealSecrets encrypts a flat JSON object of secrets with the password in
// TITAN_SECRETS_PASSWORD.
func sealSecrets(in, out string) error {
	raw, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return fmt.Errorf("parse %s: %w", in, err)
	}
	allowed := make(map[string]bool)
	for _, k := range config.SecretKeys() {
		allowed[k] = true
	}
	for k := range secrets {
		if !allowed[k] {
			return fmt.Errorf("unknown secret %q (valid: %s)", k, strings.Join(config.SecretKeys(), ", "))
		}
	}

	cm := crypto.NewCredentialManager()
	if err := cm.Initialize(os.Getenv(config.SecretsPasswordEnv)); err != nil {
		return fmt.Errorf("%s: %w", config.SecretsPasswordEnv, err)
	}
	defer cm.Destroy()

	sealed, err := cm.Seal(secrets)
	if err != nil {
		return err
	}
	return os.WriteFile(out, sealed, 0o600)
}
