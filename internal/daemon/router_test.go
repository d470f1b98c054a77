package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshqueue/internal/api"
	"meshqueue/internal/config"
	"meshqueue/internal/jobs"
	"meshqueue/internal/logging"
	"meshqueue/internal/metrics"
	"meshqueue/internal/testsupport"
)

func newTestService(t *testing.T, cfg *config.Config, mutate ...func(*api.ServiceOptions)) *api.Service {
	t.Helper()
	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	opts := api.OptionsFromConfig(cfg)
	opts.Store = testsupport.MustOpenStore(t, cfg)
	opts.Broker = testsupport.MustOpenBroker(t, cfg)
	opts.Artifacts = testsupport.MustOpenArtifacts(t, cfg)
	opts.Catalog = catalog
	for _, fn := range mutate {
		fn(&opts)
	}
	svc, err := api.NewService(opts)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func uploadRequest(t *testing.T, filename, content, pipeline string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if pipeline != "" {
		if err := mw.WriteField("pipeline", pipeline); err != nil {
			t.Fatalf("WriteField failed: %v", err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	_, _ = io.WriteString(part, content)
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newRouter(newTestService(t, cfg), "", nil, logging.NewNop())

	w := serve(h, uploadRequest(t, "cube.stl", "solid cube", "repair, slice"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	id := decode[api.SubmitResponse](t, w).JobID
	if id == "" {
		t.Fatal("expected job id")
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	status := decode[api.JobStatus](t, w)
	if status.State != string(jobs.StatePending) || strings.Join(status.Pipeline, ",") != "repair,slice" || status.CurrentStage != "repair" {
		t.Fatalf("unexpected status: %+v", status)
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/jobs?state=pending", nil))
	if list := decode[api.JobListResponse](t, w); len(list.Jobs) != 1 {
		t.Fatalf("expected one pending job, got %+v", list)
	}
	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/jobs?state=bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", w.Code)
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/artifacts/slice", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the stage ran, got %d", w.Code)
	}

	w = serve(h, httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/cancel", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", w.Code)
	}
	if got := decode[api.JobStatus](t, w); got.State != string(jobs.StateCancelled) {
		t.Fatalf("expected CANCELLED, got %s", got.State)
	}
	w = serve(h, httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/cancel", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", w.Code)
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown job: expected 404, got %d", w.Code)
	}
}

func TestFinishedJobReportsLastStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	var opts api.ServiceOptions
	h := newRouter(newTestService(t, cfg, func(o *api.ServiceOptions) { opts = *o }), "", nil, logging.NewNop())

	w := serve(h, uploadRequest(t, "cube.stl", "solid cube", "convert,slice"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	id := decode[api.SubmitResponse](t, w).JobID

	ctx := context.Background()
	job, err := opts.Store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := job.Start(time.Now()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for _, step := range []struct{ stage, name, body string }{
		{"convert", "converted.obj", "v 0 0 0"},
		{"slice", "model.gcode", "G28"},
	} {
		ref, err := opts.Artifacts.Put(ctx, id, step.stage, step.name, strings.NewReader(step.body))
		if err != nil {
			t.Fatalf("Put %s failed: %v", step.stage, err)
		}
		if err := job.CompleteStage(ref, nil, time.Now()); err != nil {
			t.Fatalf("CompleteStage %s failed: %v", step.stage, err)
		}
	}
	if err := opts.Store.Save(ctx, job); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	status := decode[api.JobStatus](t, w)
	if status.State != string(jobs.StateSucceeded) || status.CurrentStage != "slice" {
		t.Fatalf("unexpected status: state=%s currentStage=%q", status.State, status.CurrentStage)
	}
	if !strings.Contains(w.Body.String(), `"currentStage":"slice"`) {
		t.Fatalf("expected currentStage in body: %s", w.Body.String())
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/artifacts/slice", nil))
	if w.Code != http.StatusOK || w.Body.String() != "G28" {
		t.Fatalf("download: got %d %q", w.Code, w.Body.String())
	}
}

func TestSubmitRejections(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newRouter(newTestService(t, cfg, func(o *api.ServiceOptions) { o.MaxUploadBytes = 16 }), "", nil, logging.NewNop())

	cases := []struct {
		name     string
		filename string
		content  string
		pipeline string
		want     int
		kind     string
	}{
		{name: "unsupported extension", filename: "notes.txt", content: "x", want: http.StatusBadRequest, kind: "validation_error"},
		{name: "unknown stage", filename: "cube.stl", content: "x", pipeline: "render", want: http.StatusBadRequest, kind: "validation_error"},
		{name: "too large", filename: "cube.stl", content: strings.Repeat("x", 64), want: http.StatusRequestEntityTooLarge, kind: "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(h, uploadRequest(t, tc.filename, tc.content, tc.pipeline))
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if body := decode[api.ErrorResponse](t, w); body.Kind != tc.kind || body.Error == "" {
				t.Fatalf("unexpected error body: %+v", body)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	if w := serve(h, req); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", w.Code)
	}
}

func TestBearerTokenGuardsAPI(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newRouter(newTestService(t, cfg), "secret", metrics.New(), logging.NewNop())

	if w := serve(h, httptest.NewRequest(http.MethodGet, "/api/status", nil)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := serve(h, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set(requestIDHeader, "req-42")
	w := serve(h, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
	if w.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected request id echoed, got %q", w.Header().Get(requestIDHeader))
	}
	if status := decode[api.DaemonStatus](t, w); len(status.StageHealth) == 0 {
		t.Fatalf("expected stage health, got %+v", status)
	}

	if w := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)); w.Code != http.StatusOK ||
		!strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("expected metrics outside the token guard, got %d", w.Code)
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newRouter(newTestService(t, cfg), "", nil, logging.NewNop())
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when metrics are disabled, got %d", w.Code)
	}
}
