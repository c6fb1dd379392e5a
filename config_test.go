package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"changkun.de/x/plandash/internal/watcher"
	"github.com/spf13/pflag"
)

// clearEnv unsets every variable the configuration reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ADDR", "PLAN_DIR", "LOG_FORMAT", "UI_DIR",
		"PLANDASH_ADDR", "PLANDASH_PLAN_DIR", "PLANDASH_LOG_FORMAT", "PLANDASH_LOG_LEVEL",
		"PLANDASH_UI_DIR", "PLANDASH_WATCH", "PLANDASH_WATCH_DELAY", "PLANDASH_CLARIFICATIONS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addCommonFlags(fs)
	addServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fs
}

func load(t *testing.T, args ...string) Config {
	t.Helper()
	v, err := newViper()
	if err != nil {
		t.Fatalf("newViper: %v", err)
	}
	cfg, err := loadConfig(v, testFlags(t, args...))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	cfg := load(t)
	wantDir, _ := filepath.Abs(".plan")
	if cfg.Addr != ":3002" || cfg.PlanDir != wantDir || cfg.LogFormat != "text" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.Watch || cfg.WatchDelay != watcher.DefaultDelay || !cfg.Clarifications {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ConfigFile != "" {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoadConfig_Environment(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("ADDR", ":9000")
	t.Setenv("PLAN_DIR", dir)
	t.Setenv("PLANDASH_LOG_FORMAT", "json")
	t.Setenv("PLANDASH_WATCH_DELAY", "1s")
	cfg := load(t)
	if cfg.Addr != ":9000" || cfg.PlanDir != dir || cfg.LogFormat != "json" || cfg.WatchDelay != time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfig_PrefixedBeatsBare(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADDR", ":9000")
	t.Setenv("PLANDASH_ADDR", ":9001")
	if cfg := load(t); cfg.Addr != ":9001" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
}

func TestLoadConfig_FileInPlanDir(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	yaml := "addr: \":7000\"\nwatch_delay: 2s\nclarifications: false\n"
	if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLAN_DIR", dir)

	cfg := load(t)
	if cfg.Addr != ":7000" || cfg.WatchDelay != 2*time.Second || cfg.Clarifications {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ConfigFile != filepath.Join(dir, configFileName) {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}

	// Environment beats the file.
	t.Setenv("ADDR", ":7001")
	if cfg := load(t); cfg.Addr != ":7001" {
		t.Errorf("Addr = %q, want env value", cfg.Addr)
	}
}

func TestLoadConfig_FlagsBeatEverything(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADDR", ":9000")
	dir := t.TempDir()
	cfg := load(t, "--addr", ":8000", "--dir", dir, "--no-watch", "--no-clarifications", "--watch-delay", "10ms")
	if cfg.Addr != ":8000" || cfg.PlanDir != dir || cfg.Watch || cfg.Clarifications || cfg.WatchDelay != 10*time.Millisecond {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfig_RejectsUnknownLogFormat(t *testing.T) {
	clearEnv(t)
	v, err := newViper()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(v, testFlags(t, "--log-format", "xml")); err == nil {
		t.Error("expected an error")
	}
}
