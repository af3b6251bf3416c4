package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/coachllm/internal/adapters/config/file"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithFileConfig uses file-based configuration with hot reload.
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(a *App) error {
		provider, err := file.NewProvider(path, a.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		a.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(a *App) error {
		a.config = provider
		return nil
	}
}

// WithLogger sets a custom logger. Pass it before WithFileConfig so the
// config watcher logs through it too.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		if logger != nil {
			a.logger = logger
		}
		return nil
	}
}
