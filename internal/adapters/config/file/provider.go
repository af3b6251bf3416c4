// Package file provides file-based configuration with hot-reload.
package file

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tjfontaine/coachllm/internal/pkg/config"
	"github.com/tjfontaine/coachllm/internal/telemetry"
)

const defaultDebounce = 250 * time.Millisecond

// Provider implements ports.ConfigProvider for a config.yaml on disk.
//
// It watches the parent directory, so a temp file renamed over config.yaml
// counts as a change. Bursts of events collapse into one reload. A file that
// fails validation is rejected and the previous config stays current.
type Provider struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	current *config.Config
	digest  [sha256.Size]byte
}

// Option configures a Provider.
type Option func(*Provider)

// WithDebounce sets how long the provider waits for the file to settle.
func WithDebounce(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// NewProvider creates a new file-based config provider.
func NewProvider(path string, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		logger:   logger.With(slog.String("config", path)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Load reads and validates the configuration file.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(p.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", p.path, err)
	}

	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.current = cfg
	p.digest = sha256.Sum256(data)
	p.mu.Unlock()

	p.logger.Info("config loaded")
	return cfg, nil
}

// Current returns the most recently applied configuration.
func (p *Provider) Current() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Watch calls onChange with every configuration that changed on disk and
// passed validation. It returns once the watch is established.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	p.logger.Info("watching config file for changes", slog.Duration("debounce", p.debounce))

	go p.loop(ctx, watcher, onChange)
	return nil
}

func (p *Provider) loop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*config.Config)) {
	defer watcher.Close()

	timer := time.NewTimer(p.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("config watch stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(p.debounce)

		case <-timer.C:
			p.reload(onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

func (p *Provider) reload(onChange func(*config.Config)) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		telemetry.ConfigReloads.WithLabelValues("rejected").Inc()
		p.logger.Warn("config reload rejected, keeping previous config", slog.String("error", err.Error()))
		return
	}

	sum := sha256.Sum256(data)
	p.mu.Lock()
	unchanged := sum == p.digest
	p.mu.Unlock()
	if unchanged {
		telemetry.ConfigReloads.WithLabelValues("unchanged").Inc()
		p.logger.Debug("config file touched without changes")
		return
	}

	cfg, err := config.Load(p.path)
	if err != nil {
		telemetry.ConfigReloads.WithLabelValues("rejected").Inc()
		p.logger.Error("config reload rejected, keeping previous config", slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	p.current = cfg
	p.digest = sum
	p.mu.Unlock()

	telemetry.ConfigReloads.WithLabelValues("applied").Inc()
	p.logger.Info("config reloaded")
	onChange(cfg)
}

// Close stops watching the config file.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}
