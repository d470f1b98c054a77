package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshqueue/internal/config"
	"meshqueue/internal/stage"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MESHQUEUE_API_TOKEN", "env-token")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "meshqueue")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.API.Bind != "127.0.0.1:7480" {
		t.Fatalf("unexpected api bind: %q", cfg.API.Bind)
	}
	if cfg.API.Token != "env-token" {
		t.Fatalf("expected token from env, got %q", cfg.API.Token)
	}
	if cfg.MaxUploadBytes() != 100*1024*1024 {
		t.Fatalf("unexpected upload limit: %d", cfg.MaxUploadBytes())
	}
	if cfg.Workers.MaxAttempts != 3 || cfg.Workers.RetryBackoffMS != 2000 {
		t.Fatalf("unexpected retry policy: %+v", cfg.Workers)
	}
	if cfg.Broker.MaxDeliveries != 3 {
		t.Fatalf("unexpected max deliveries: %d", cfg.Broker.MaxDeliveries)
	}
	if strings.Join(cfg.API.DefaultPipeline, ",") != "validate,repair,slice" {
		t.Fatalf("unexpected default pipeline: %v", cfg.API.DefaultPipeline)
	}
	if cfg.DatabasePath() != filepath.Join(wantState, "meshqueue.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.WorkDir, cfg.Artifacts.Root} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadMergesStageOverridesOverDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "meshqueue.toml")
	contents := `
[workers]
max_attempts = 5
retry_backoff_ms = 10

[stages.slice]
command = "/opt/slicer/bin/slicer"
timeout = 60
retryable = false
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.Workers.MaxAttempts != 5 {
		t.Fatalf("expected max attempts 5, got %d", cfg.Workers.MaxAttempts)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	slice, ok := catalog.Lookup("slice")
	if !ok {
		t.Fatal("expected slice stage")
	}
	if slice.Command != "/opt/slicer/bin/slicer" {
		t.Fatalf("unexpected slice command: %q", slice.Command)
	}
	if slice.Timeout != time.Minute {
		t.Fatalf("unexpected slice timeout: %s", slice.Timeout)
	}
	if slice.Retryable {
		t.Fatal("expected slice to be non-retryable")
	}
	if len(slice.Prefer) != 2 || slice.Prefer[0] != ".gcode" {
		t.Fatalf("expected default prefer list, got %v", slice.Prefer)
	}
	if len(slice.Warnings) != 1 {
		t.Fatalf("expected default warning rule, got %v", slice.Warnings)
	}

	validate, ok := catalog.Lookup("validate")
	if !ok {
		t.Fatal("expected validate stage from defaults")
	}
	if validate.Produces != stage.ProducesReport || validate.StdoutFile == "" {
		t.Fatalf("unexpected validate descriptor: %+v", validate)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cases := map[string]string{
		"unknown stage kind":    "[stages.render]\ncommand = \"render\"\n",
		"unknown broker":        "[broker]\nbackend = \"kafka\"\n",
		"unlimited retries":     "[workers]\nmax_attempts = 0\n",
		"amqp without url":      "[broker]\nbackend = \"amqp\"\n",
		"bad pipeline":          "[api]\ndefault_pipeline = [\"slice\", \"slice\"]\n",
		"unknown key":           "[workers]\nthreads = 4\n",
		"lease under beat":      "[broker]\nvisibility_timeout = 10\n[workers]\nheartbeat_interval = 10\n",
		"negative timeout":      "[stages.repair]\ntimeout = -1\n",
		"bare ntfy topic":       "[notifications]\nntfy_topic = \"printer\"\n",
		"report without stdout": "[stages.repair]\nproduces = \"report\"\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "meshqueue.toml")
			if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, _, _, err := config.Load(path); err == nil {
				t.Fatal("expected Load to fail")
			}
		})
	}
}

func TestRedisStoreDefaultsToBrokerURL(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MESHQUEUE_BROKER_URL", "redis://localhost:6379/0")
	path := filepath.Join(t.TempDir(), "meshqueue.toml")
	contents := "[store]\nbackend = \"redis\"\n[broker]\nbackend = \"redis\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.DSN != "redis://localhost:6379/0" {
		t.Fatalf("expected store dsn from broker url, got %q", cfg.Store.DSN)
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample failed: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if got := len(cfg.Stages); got != len(stage.Kinds()) {
		t.Fatalf("expected %d stages, got %d", len(stage.Kinds()), got)
	}
}
