package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/taskd"
	"pkt.systems/taskd/internal/loggingutil"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--channel", "orders:1"}, want: true},
		{name: "root flag with equals", args: []string{"--levels=3"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"config", "gen"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "bool flag before subcommand", args: []string{"--qrf-disabled", "simulate"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "version"}, want: false},
		{name: "positional", args: []string{"orders"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestParseChannel(t *testing.T) {
	ch, err := parseChannel("orders:3:4:16")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ch.Name != "orders" || ch.Priority != 3 || ch.AllowedOverage != 4 || ch.MaxSlots != 16 {
		t.Fatalf("unexpected channel %+v", ch)
	}
	ch, err = parseChannel(" reports:0 ")
	if err != nil || ch.Name != "reports" || ch.Priority != 0 {
		t.Fatalf("unexpected channel %+v (%v)", ch, err)
	}
	for _, raw := range []string{"orders", ":1", "orders:x", "a:1:2:3:4"} {
		if _, err := parseChannel(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestBindConfigFromFlagsAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("TASKD_MASTERJOB_INTERVAL", "750ms")
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	if err := root.ParseFlags([]string{
		"--channel", "orders:2:1",
		"--channel", "reports:0",
		"--levels", "3",
		"--level-min", "1,0,2",
		"--qrf-memory-soft-limit", "512MiB",
		"--qrf-swap-hard-limit", "1GB",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg taskd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0].Name != "orders" || cfg.Channels[0].AllowedOverage != 1 {
		t.Fatalf("unexpected channels %+v", cfg.Channels)
	}
	if cfg.Levels != 3 || len(cfg.LevelMin) != 3 || cfg.LevelMin[2] != 2 {
		t.Fatalf("unexpected levels %d %v", cfg.Levels, cfg.LevelMin)
	}
	if cfg.QRFMemorySoftLimitBytes != 512<<20 {
		t.Fatalf("unexpected memory soft limit %d", cfg.QRFMemorySoftLimitBytes)
	}
	if cfg.QRFSwapHardLimitBytes != 1_000_000_000 {
		t.Fatalf("unexpected swap hard limit %d", cfg.QRFSwapHardLimitBytes)
	}
	if cfg.MasterJobInterval != 750*time.Millisecond {
		t.Fatalf("expected env override, got %s", cfg.MasterJobInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBindConfigRejectsBadBytes(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	if err := root.ParseFlags([]string{"--qrf-memory-hard-limit", "lots"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg taskd.Config
	if err := bindConfig(&cfg); err == nil || !strings.Contains(err.Error(), "qrf-memory-hard-limit") {
		t.Fatalf("expected byte parse error, got %v", err)
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected explicit missing config to fail")
	}
}

func TestLoadConfigFileDefaultLocation(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	t.Setenv("TASKD_CONFIG_DIR", dir)
	path, err := loadConfigFile()
	if err != nil || path != "" {
		t.Fatalf("expected no config without file, got %q (%v)", path, err)
	}
	file := filepath.Join(dir, taskd.DefaultConfigFileName)
	if err := os.WriteFile(file, []byte("levels: 6\nchannel:\n  - orders:5\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	path, err = loadConfigFile()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if path != file {
		t.Fatalf("expected %s, got %s", file, path)
	}
	if viper.GetInt("levels") != 6 || len(viper.GetStringSlice("channel")) != 1 {
		t.Fatalf("config values not loaded: levels=%d channel=%v", viper.GetInt("levels"), viper.GetStringSlice("channel"))
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := expandPath("~/cfg.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "cfg.yaml") {
		t.Fatalf("unexpected path %s", got)
	}
	if got, _ := expandPath(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestReloadLogLevelFromConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(file, []byte("log-level: debug\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	levels, logger := loggingutil.NewLevelSwitch(pslog.NoopLogger(), pslog.InfoLevel)
	reloadLogLevel(file, levels, logger)
	if levels.Level() != pslog.DebugLevel {
		t.Fatalf("expected debug after reload, got %v", levels.Level())
	}
	if err := os.WriteFile(file, []byte("log-level: nonsense\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reloadLogLevel(file, levels, logger)
	if levels.Level() != pslog.DebugLevel {
		t.Fatal("invalid level must keep the previous one")
	}
}

func TestWatchConfigFileSeesWrites(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(file, []byte("log-level: info\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 8)
	if err := watchConfigFile(ctx, file, pslog.NoopLogger(), func() { changed <- struct{}{} }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if err := os.WriteFile(file, []byte("log-level: debug\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the config change")
	}
}

func TestRootCommandRejectsInvalidChannel(t *testing.T) {
	t.Setenv("TASKD_CONFIG_DIR", t.TempDir())
	_, _, err := executeRootCommand(t, "--channel", "orders")
	if err == nil || !strings.Contains(err.Error(), "name:priority") {
		t.Fatalf("expected channel parse error, got %v", err)
	}
}
