package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	Level string `yaml:"level"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("LARDER_TEST_NAME", "pantry")
	path := writeFile(t, "name: ${LARDER_TEST_NAME}\nport: ${LARDER_TEST_PORT:-9090}\n")

	cfg := sample{Level: "info"}
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "pantry" || cfg.Port != 9090 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Level != "info" {
		t.Errorf("default overwritten: level = %q", cfg.Level)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeFile(t, "port: 1\nprot: 2\n")
	var cfg sample
	if err := Load(path, &cfg); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoad_Validates(t *testing.T) {
	path := writeFile(t, "port: 0\n")
	var cfg sample
	err := Load(path, &cfg)
	if err == nil || !strings.Contains(err.Error(), "port must be positive") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadOptional_MissingFile(t *testing.T) {
	cfg := sample{Port: 8080}
	if err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &cfg); err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	var bad sample
	if err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &bad); err == nil {
		t.Fatal("defaults are still validated")
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeFile(t, "")
	cfg := sample{Port: 1}
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("empty file should keep defaults: %v", err)
	}
}

func TestExpand(t *testing.T) {
	t.Setenv("LARDER_TEST_SET", "x")
	t.Setenv("LARDER_TEST_EMPTY", "")
	got := Expand("$LARDER_TEST_SET ${LARDER_TEST_EMPTY:-fb} ${LARDER_TEST_UNSET_VAR}")
	if got != "x fb " {
		t.Errorf("Expand = %q", got)
	}
}
