package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigGenStdout(t *testing.T) {
	t.Setenv("TASKD_CONFIG_DIR", t.TempDir())
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("generated config is not YAML: %v", err)
	}
	for _, key := range []string{"levels", "channel", "masterjob-interval", "qrf-queue-hard-limit", "log-level"} {
		if _, ok := parsed[key]; !ok {
			t.Fatalf("generated config misses %q:\n%s", key, stdout)
		}
	}
}

func TestConfigGenWritesFileAndRespectsForce(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKD_CONFIG_DIR", dir)
	out := filepath.Join(dir, "nested", "taskd.yaml")

	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected output path in %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal without --force, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatal("expected --out and --stdout to conflict")
	}
}

func TestGeneratedConfigLoadsIntoRuntimeConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKD_CONFIG_DIR", dir)
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Channels = []string{"orders:3:2", "reports:0"}
		d.LevelMin = []int{1, 0, 0, 1}
	})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	file := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(file, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err = executeRootCommand(t, "--levels", "3")
	if err == nil || !strings.Contains(err.Error(), "level minimums") {
		t.Fatalf("expected the file's level minimums to be validated against --levels, got %v", err)
	}
}
