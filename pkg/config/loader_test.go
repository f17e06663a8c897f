package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "main.hcl", `
resource "sim_table" "contacts" {
  name = "contacts"
}

resource "sim_function" "submit" {
  handler   = "submit.main"
  table_arn = sim_table.contacts.arn
}
`)

	loader := NewLoader()
	cfg, err := loader.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	if len(cfg.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(cfg.Resources))
	}

	table := cfg.Resources[0]
	if table.Addr() != "sim_table.contacts" {
		t.Errorf("expected first resource sim_table.contacts, got %s", table.Addr())
	}
	if len(table.References) != 0 {
		t.Errorf("expected no references on table, got %d", len(table.References))
	}

	fn := cfg.Resources[1]
	if fn.Addr() != "sim_function.submit" {
		t.Errorf("expected second resource sim_function.submit, got %s", fn.Addr())
	}
	if len(fn.References) != 1 {
		t.Fatalf("expected 1 reference on function, got %d", len(fn.References))
	}

	ref := fn.References[0]
	if ref.TargetAddr() != "sim_table.contacts" {
		t.Errorf("expected reference target sim_table.contacts, got %s", ref.TargetAddr())
	}
	if ref.Attr != "arn" {
		t.Errorf("expected reference attr arn, got %s", ref.Attr)
	}
	if ref.SourceArg != "table_arn" {
		t.Errorf("expected reference source arg table_arn, got %s", ref.SourceArg)
	}
}

func TestLoadDirMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "b.hcl", `
resource "sim_function" "worker" {
  handler = "worker.main"
}
`)
	writeConfigFile(t, dir, "a.hcl", `
resource "sim_table" "events" {
  name = "events"
}
`)

	loader := NewLoader()
	cfg, err := loader.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	// Files load in sorted name order.
	if cfg.Resources[0].Addr() != "sim_table.events" {
		t.Errorf("expected sim_table.events first, got %s", cfg.Resources[0].Addr())
	}
	if cfg.Resources[1].Addr() != "sim_function.worker" {
		t.Errorf("expected sim_function.worker second, got %s", cfg.Resources[1].Addr())
	}
}

func TestLoadDirEmpty(t *testing.T) {
	loader := NewLoader()
	if _, err := loader.LoadDir(t.TempDir()); err == nil {
		t.Error("expected error for directory without .hcl files")
	}
}

func TestLoadDirInterpolatedReference(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "main.hcl", `
resource "sim_table" "contacts" {
  name = "contacts"
}

resource "sim_role" "writer" {
  policy = "allow-write:${sim_table.contacts.arn}"
}
`)

	loader := NewLoader()
	cfg, err := loader.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	role := cfg.Resources[1]
	if len(role.References) != 1 {
		t.Fatalf("expected 1 reference from interpolation, got %d", len(role.References))
	}
	if role.References[0].TargetAddr() != "sim_table.contacts" {
		t.Errorf("unexpected reference target %s", role.References[0].TargetAddr())
	}
}

func TestLoadDirDuplicateReferencesDeduplicated(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "main.hcl", `
resource "sim_table" "contacts" {
  name = "contacts"
}

resource "sim_function" "submit" {
  table_arn = sim_table.contacts.arn
  env       = "table=${sim_table.contacts.arn}"
}
`)

	loader := NewLoader()
	cfg, err := loader.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	if n := len(cfg.Resources[1].References); n != 1 {
		t.Errorf("expected deduplicated single reference, got %d", n)
	}
}

func TestLoadDirRejectsUnknownBlockType(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "main.hcl", `
variable "region" {
  default = "us-east-1"
}
`)

	loader := NewLoader()
	_, err := loader.LoadDir(dir)
	if err == nil {
		t.Fatal("expected error for unsupported block type")
	}
	if !strings.Contains(err.Error(), "variable") {
		t.Errorf("expected error to name the block type, got: %v", err)
	}
}

func TestLoadDirRejectsBareVariable(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "main.hcl", `
resource "sim_function" "submit" {
  handler = region
}
`)

	loader := NewLoader()
	if _, err := loader.LoadDir(dir); err == nil {
		t.Error("expected error for reference without a resource name")
	}
}

func TestLoadDirRejectsMissingLabels(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "main.hcl", `
resource "sim_table" {
  name = "contacts"
}
`)

	loader := NewLoader()
	if _, err := loader.LoadDir(dir); err == nil {
		t.Error("expected error for resource block with a single label")
	}
}

func TestLoadDirParseError(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "main.hcl", `resource "sim_table" "contacts" {`)

	loader := NewLoader()
	if _, err := loader.LoadDir(dir); err == nil {
		t.Error("expected parse error for unterminated block")
	}
}
