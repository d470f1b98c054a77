package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"meshqueue/internal/api"
	"meshqueue/internal/daemon"
	"meshqueue/internal/logging"
	"meshqueue/internal/pipeline"
	"meshqueue/internal/stagerun"
	"meshqueue/internal/testsupport"
	"meshqueue/internal/workflow"
)

// repair receives --repair --export-stl --output {output} {input}.
const repairCopy = "cat \"$5\" > \"$4\"\n"

type cliTestEnv struct {
	server  string
	baseDir string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MESHQUEUE_SERVER", "")
	t.Setenv("MESHQUEUE_API_TOKEN", "")

	cfg := testsupport.NewConfig(t,
		testsupport.WithConcurrency(1),
		testsupport.WithStageTool("repair", repairCopy),
	)
	cfg.API.Token = "cli-secret"
	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	queue := testsupport.MustOpenBroker(t, cfg)
	files := testsupport.MustOpenArtifacts(t, cfg)

	runner, err := stagerun.New(files, cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("stagerun.New failed: %v", err)
	}
	executor, err := pipeline.New(pipeline.Options{
		Store:   store,
		Runner:  runner,
		Catalog: catalog,
		Policy:  pipeline.PolicyFromConfig(cfg),
	})
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}
	poolOpts := workflow.OptionsFromConfig(cfg)
	poolOpts.Broker = queue
	poolOpts.Store = store
	poolOpts.Executor = executor
	pool, err := workflow.NewManager(poolOpts)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	opts := api.OptionsFromConfig(cfg)
	opts.Store = store
	opts.Broker = queue
	opts.Artifacts = files
	opts.Catalog = catalog
	opts.Pool = pool
	svc, err := api.NewService(opts)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	d, err := daemon.New(cfg, svc, pool, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon Start failed: %v", err)
	}
	t.Cleanup(d.Stop)

	return &cliTestEnv{server: "http://" + d.Addr(), baseDir: testsupport.BaseDir(cfg)}
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runCLI(t, append([]string{"--server", e.server, "--token", "cli-secret"}, args...)...)
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

func TestSubmitStatusFetchRoundTrip(t *testing.T) {
	env := setupCLITestEnv(t)
	model := filepath.Join(env.baseDir, "bracket.stl")
	if err := os.WriteFile(model, []byte("solid bracket"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	out, _, err := env.run(t, "--output", "json", "submit", model, "--pipeline", "repair")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var submitted api.SubmitResponse
	if err := json.Unmarshal([]byte(out), &submitted); err != nil || submitted.JobID == "" {
		t.Fatalf("unexpected submit output %q: %v", out, err)
	}
	id := submitted.JobID

	testsupport.WaitFor(t, 15*time.Second, func() bool {
		out, _, err := env.run(t, "--output", "json", "status", id)
		if err != nil {
			return false
		}
		var status api.JobStatus
		return json.Unmarshal([]byte(out), &status) == nil && status.State == "SUCCEEDED"
	})

	out, _, err = env.run(t, "status", id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "SUCCEEDED")
	requireContains(t, out, "repaired.stl")

	out, _, err = env.run(t, "--output", "yaml", "status", id)
	if err != nil {
		t.Fatalf("status yaml: %v", err)
	}
	requireContains(t, out, "state: SUCCEEDED")

	out, _, err = env.run(t, "list", "--state", "succeeded")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, id)

	target := filepath.Join(env.baseDir, "downloaded.stl")
	_, stderr, err := env.run(t, "fetch", id, "repair", "-o", target)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	requireContains(t, stderr, "Saved")
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "solid bracket" {
		t.Fatalf("unexpected download %q: %v", data, err)
	}

	_, _, err = env.run(t, "cancel", id)
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected 409 cancelling a finished job, got %v", err)
	}
}

func TestSubmitRejectionSurfacesServerError(t *testing.T) {
	env := setupCLITestEnv(t)
	notes := filepath.Join(env.baseDir, "notes.txt")
	if err := os.WriteFile(notes, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, _, err := env.run(t, "submit", notes)
	if err == nil {
		t.Fatal("expected submit to fail")
	}
	requireContains(t, err.Error(), "400 validation_error")

	_, _, err = runCLI(t, "--server", env.server, "health")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 without token, got %v", err)
	}
}

func TestHealthRendersStages(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.run(t, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	requireContains(t, out, "Stage tools")
	requireContains(t, out, "repair")
	requireContains(t, out, "0/1 slots busy")
}

func TestConfigInitAndValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "meshqueue.toml")

	out, _, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	out, _, err = runCLI(t, "--config", target, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "Stage slice")
}

func TestTestNotifyPostsToTopic(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	var title atomic.Value
	ntfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		title.Store(r.Header.Get("Title"))
		w.WriteHeader(http.StatusOK)
	}))
	defer ntfy.Close()

	target := filepath.Join(t.TempDir(), "meshqueue.toml")
	contents := "[notifications]\nntfy_topic = \"" + ntfy.URL + "\"\n"
	if err := os.WriteFile(target, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, _, err := runCLI(t, "--config", target, "test-notify")
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Test notification sent")
	if got, _ := title.Load().(string); got != "meshqueue - Test" {
		t.Fatalf("unexpected title %q", got)
	}

	if _, _, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "test-notify"); err == nil {
		t.Fatal("expected test-notify without a topic to fail")
	}
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	if _, _, err := runCLI(t, "--server", "http://127.0.0.1:1", "--output", "xml", "list"); err == nil {
		t.Fatal("expected unknown output format to fail")
	}
}

func TestNormalizeServer(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:7480":        "http://127.0.0.1:7480",
		"0.0.0.0:7480":          "http://127.0.0.1:7480",
		":7480":                 "http://127.0.0.1:7480",
		"https://mesh.example/": "https://mesh.example",
	}
	for in, want := range cases {
		if got := normalizeServer(in); got != want {
			t.Fatalf("normalizeServer(%q) = %q, want %q", in, got, want)
		}
	}
}
