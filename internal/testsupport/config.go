package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"meshqueue/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Intervals are shortened so pool and broker tests finish quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Artifacts.Root = filepath.Join(base, "artifacts")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Broker.PollIntervalMS = 10
	cfgVal.Broker.VisibilityTimeout = 30
	cfgVal.Workers.RetryBackoffMS = 10
	cfgVal.Workers.HeartbeatInterval = 1
	cfgVal.Workers.ErrorRetryInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithConcurrency sets the worker pool size.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.Concurrency = n
	}
}

// WithStageTool points a stage at a stub script written into the test's bin
// dir. The script body runs under /bin/sh with the rendered arguments.
func WithStageTool(kind, script string, args ...string) ConfigOption {
	return func(b *configBuilder) {
		path := WriteTool(b.t, filepath.Join(b.baseDir, "bin"), kind+"-tool", script)
		st := b.cfg.Stages[kind]
		st.Command = path
		if len(args) > 0 {
			st.Args = args
		}
		b.cfg.Stages[kind] = st
	}
}

// WithStubbedBinaries writes succeeding stub executables for the provided
// names and prepends them to PATH.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"prusa-slicer", "blender"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		for _, name := range names {
			WriteTool(b.t, binDir, name, "exit 0\n")
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
