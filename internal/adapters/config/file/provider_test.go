package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tjfontaine/coachllm/internal/pkg/config"
	"github.com/tjfontaine/coachllm/internal/telemetry"
)

const (
	aggressive   = "routing:\n  optimization_level: aggressive\n"
	qualityFirst = "routing:\n  optimization_level: quality_first\n"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// watchedProvider loads an aggressive config and starts watching it.
func watchedProvider(t *testing.T) (*Provider, string, chan *config.Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, aggressive)

	p, err := NewProvider(path, nil, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })

	if _, err := p.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	changed := make(chan *config.Config, 8)
	if err := p.Watch(ctx, func(c *config.Config) { changed <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	return p, path, changed
}

func waitForLevel(t *testing.T, changed <-chan *config.Config, level string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Routing.OptimizationLevel == level {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s reload", level)
		}
	}
}

func waitForCounter(t *testing.T, result string, above float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(telemetry.ConfigReloads.WithLabelValues(result)) <= above {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a %s reload", result)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProvider_LoadAndWatch(t *testing.T) {
	p, path, changed := watchedProvider(t)

	if got := p.Current().Routing.OptimizationLevel; got != "aggressive" {
		t.Fatalf("OptimizationLevel = %q, want aggressive", got)
	}

	writeFile(t, path, qualityFirst)
	waitForLevel(t, changed, "quality_first")

	if p.Current().Routing.OptimizationLevel != "quality_first" {
		t.Error("Current() should return the reloaded config")
	}
}

func TestProvider_AtomicReplace(t *testing.T) {
	p, path, changed := watchedProvider(t)

	tmp := filepath.Join(filepath.Dir(path), ".config.yaml.swp")
	writeFile(t, tmp, qualityFirst)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	waitForLevel(t, changed, "quality_first")
	if p.Current().Routing.OptimizationLevel != "quality_first" {
		t.Error("Current() should follow a renamed-over config file")
	}
}

func TestProvider_RejectsInvalidReload(t *testing.T) {
	p, path, changed := watchedProvider(t)
	rejected := testutil.ToFloat64(telemetry.ConfigReloads.WithLabelValues("rejected"))

	writeFile(t, path, "routing:\n  optimization_level: reckless\n")
	waitForCounter(t, "rejected", rejected)

	select {
	case c := <-changed:
		t.Fatalf("invalid config reached onChange: %+v", c.Routing)
	default:
	}
	if got := p.Current().Routing.OptimizationLevel; got != "aggressive" {
		t.Errorf("Current() level = %q, want the previous aggressive config", got)
	}

	writeFile(t, path, qualityFirst)
	waitForLevel(t, changed, "quality_first")
}

func TestProvider_CollapsesBurstsAndSkipsUnchanged(t *testing.T) {
	_, path, changed := watchedProvider(t)
	applied := testutil.ToFloat64(telemetry.ConfigReloads.WithLabelValues("applied"))

	for i := 0; i < 5; i++ {
		writeFile(t, path, qualityFirst)
	}
	waitForLevel(t, changed, "quality_first")

	unchanged := testutil.ToFloat64(telemetry.ConfigReloads.WithLabelValues("unchanged"))
	writeFile(t, path, qualityFirst)
	waitForCounter(t, "unchanged", unchanged)

	if got := testutil.ToFloat64(telemetry.ConfigReloads.WithLabelValues("applied")) - applied; got != 1 {
		t.Errorf("applied reloads = %v, want 1", got)
	}
	select {
	case c := <-changed:
		t.Errorf("unexpected extra reload: %+v", c.Routing)
	default:
	}
}

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider("", nil); err == nil {
		t.Error("NewProvider(\"\") should fail")
	}
}
