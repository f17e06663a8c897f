package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loom-iac/loom/pkg/config"
	"github.com/loom-iac/loom/pkg/telemetry"
)

// asEngineError unwraps err into an EngineError.
func asEngineError(err error, target **EngineError) bool {
	return errors.As(err, target)
}

// parseConfig loads resources from HCL source through the real loader.
func parseConfig(t *testing.T, src string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(src), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := config.NewLoader().LoadDir(dir)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// buildGraph parses src and builds its resource graph.
func buildGraph(t *testing.T, src string) *Graph {
	t.Helper()

	graph, err := BuildGraph(parseConfig(t, src).Resources)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	return graph
}

// testLogger returns a logger that only emits errors.
func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

// testMetrics returns disabled metrics.
func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return metrics
}
