package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/narvanalabs/buildengine/internal/builder"
	"github.com/narvanalabs/buildengine/internal/builder/metrics"
	"github.com/narvanalabs/buildengine/internal/logs"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store"
	"github.com/narvanalabs/buildengine/internal/store/memory"
	"github.com/narvanalabs/buildengine/internal/store/storetest"
)

// fakeBuilds serves builds straight from a build store.
type fakeBuilds struct {
	builds store.BuildStore

	mu        sync.Mutex
	submitted []*models.StartBuildRequest
	cancelled []string
	next      int64
}

func (f *fakeBuilds) Submit(ctx context.Context, req *models.StartBuildRequest) (*models.BuildHandle, error) {
	if req.ProjectName == "missing" {
		return nil, fmt.Errorf("%w: %s", builder.ErrProjectNotFound, req.ProjectName)
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.next++
	n := f.next
	f.mu.Unlock()

	b := storetest.Build(req.ProjectName, n)
	if err := f.builds.Create(ctx, b); err != nil {
		return nil, err
	}
	return &models.BuildHandle{BuildID: b.ID, ProjectName: b.ProjectName, BuildNumber: n}, nil
}

func (f *fakeBuilds) Cancel(ctx context.Context, id string) (bool, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return false, err
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeBuilds) RetryBuild(ctx context.Context, id string) (*models.BuildHandle, error) {
	b, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.Submit(ctx, &models.StartBuildRequest{ProjectName: b.ProjectName})
}

func (f *fakeBuilds) Get(ctx context.Context, id string) (*models.Build, error) {
	b, err := f.builds.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", builder.ErrBuildNotFound, id)
	}
	return b, nil
}

func (f *fakeBuilds) BatchGet(ctx context.Context, ids []string) ([]*models.Build, []string, error) {
	found, err := f.builds.BatchGet(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	have := make(map[string]bool, len(found))
	for _, b := range found {
		have[b.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

func (f *fakeBuilds) ListForProject(ctx context.Context, name string, limit int) ([]*models.Build, error) {
	return f.builds.ListByProject(ctx, name, limit)
}

type testEnv struct {
	store     *memory.Store
	builds    *fakeBuilds
	sink      *logs.Sink
	collector *metrics.Collector
	router    chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	broker := logs.NewBroker(logger)
	env := &testEnv{
		store:     st,
		builds:    &fakeBuilds{builds: st.Builds()},
		sink:      logs.NewSink(st.Logs(), broker, logs.WithLogger(logger)),
		collector: metrics.NewCollector(),
	}

	projects := NewProjectHandler(st.Projects(), "arn:test:project/", logger)
	builds := NewBuildHandler(env.builds, logger)
	logHandler := NewLogHandler(env.builds, st.Logs(), env.sink, broker, logger)
	logHandler.pingInterval = 50 * time.Millisecond
	metricsHandler := NewMetricsHandler(env.collector, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Post("/", projects.Create)
			r.Get("/", projects.List)
			r.Get("/{name}", projects.Get)
			r.Put("/{name}", projects.Update)
			r.Delete("/{name}", projects.Delete)
			r.Post("/{name}/builds", builds.Start)
			r.Get("/{name}/builds", builds.List)
		})
		r.Post("/builds/batch-get", builds.BatchGet)
		r.Get("/builds/{buildID}", builds.Get)
		r.Post("/builds/{buildID}/stop", builds.Stop)
		r.Post("/builds/{buildID}/retry", builds.Retry)
		r.Get("/builds/{buildID}/logs", logHandler.Get)
		r.Get("/builds/{buildID}/logs/stream", logHandler.Stream)
		r.Get("/builds/{buildID}/metrics", metricsHandler.Build)
		r.Get("/metrics", metricsHandler.Aggregate)
	})
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %s: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[struct {
		Code string `json:"code"`
	}](t, rec).Code
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/projects", storetest.Project("api"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[models.Project](t, rec)
	if created.Arn != "arn:test:project/api" {
		t.Errorf("Arn = %q", created.Arn)
	}
	if created.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if rec := env.do(t, http.MethodPost, "/v1/projects", storetest.Project("api")); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", rec.Code)
	}

	update := storetest.Project("api")
	update.Description = "public API"
	rec = env.do(t, http.MethodPut, "/v1/projects/api", update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Project](t, rec); got.Description != "public API" || got.Arn != created.Arn {
		t.Errorf("updated project = %+v", got)
	}

	rename := storetest.Project("other")
	if rec := env.do(t, http.MethodPut, "/v1/projects/api", rename); rec.Code != http.StatusBadRequest {
		t.Errorf("rename status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/projects", nil)
	if got := decode[[]models.Project](t, rec); len(got) != 1 {
		t.Errorf("list = %d projects", len(got))
	}

	if rec := env.do(t, http.MethodDelete, "/v1/projects/api", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/projects/api", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body any
	}{
		{"empty body", ""},
		{"unknown field", `{"name":"api","colour":"blue"}`},
		{"missing source", &models.Project{Name: "api"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/projects", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != "VALIDATION_ERROR" {
				t.Errorf("code = %s", code)
			}
		})
	}
}

func TestStartBuild(t *testing.T) {
	env := newTestEnv(t)

	version := "v1.2.0"
	rec := env.do(t, http.MethodPost, "/v1/projects/api/builds", &models.StartBuildRequest{SourceVersion: &version})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	b := decode[models.Build](t, rec)
	if b.ProjectName != "api" || b.ID == "" {
		t.Errorf("build = %+v", b)
	}
	if got := env.builds.submitted[0]; got.ProjectName != "api" || *got.SourceVersion != version {
		t.Errorf("submitted %+v", got)
	}

	// An empty body starts a build with no overrides.
	req := httptest.NewRequest(http.MethodPost, "/v1/projects/api/builds", nil)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("empty body status = %d: %s", rec.Code, rec.Body.String())
	}

	if rec := env.do(t, http.MethodPost, "/v1/projects/api/builds", &models.StartBuildRequest{ProjectName: "web"}); rec.Code != http.StatusBadRequest {
		t.Errorf("mismatched project status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/projects/missing/builds", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing project status = %d", rec.Code)
	}
}

func TestBuildQueries(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/v1/projects/api/builds", nil)
		ids = append(ids, decode[models.Build](t, rec).ID)
	}

	rec := env.do(t, http.MethodGet, "/v1/builds/"+ids[1], nil)
	if rec.Code != http.StatusOK || decode[models.Build](t, rec).ID != ids[1] {
		t.Errorf("get status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/v1/builds/api:nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/projects/api/builds?limit=2", nil)
	list := decode[[]models.Build](t, rec)
	if len(list) != 2 || list[0].ID != ids[2] {
		t.Errorf("list = %v", list)
	}
	if rec := env.do(t, http.MethodGet, "/v1/projects/api/builds?limit=-1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/builds/batch-get", BatchGetRequest{IDs: []string{ids[0], "api:nope", ids[2]}})
	batch := decode[BatchGetResponse](t, rec)
	if len(batch.Builds) != 2 || batch.Builds[0].ID != ids[0] || batch.Builds[1].ID != ids[2] {
		t.Errorf("batch builds = %v", batch.Builds)
	}
	if len(batch.BuildsNotFound) != 1 || batch.BuildsNotFound[0] != "api:nope" {
		t.Errorf("batch missing = %v", batch.BuildsNotFound)
	}
	if rec := env.do(t, http.MethodPost, "/v1/builds/batch-get", BatchGetRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d", rec.Code)
	}
}

func TestStopAndRetry(t *testing.T) {
	env := newTestEnv(t)
	id := decode[models.Build](t, env.do(t, http.MethodPost, "/v1/projects/api/builds", nil)).ID

	rec := env.do(t, http.MethodPost, "/v1/builds/"+id+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.builds.cancelled) != 1 || env.builds.cancelled[0] != id {
		t.Errorf("cancelled = %v", env.builds.cancelled)
	}

	rec = env.do(t, http.MethodPost, "/v1/builds/"+id+"/retry", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d: %s", rec.Code, rec.Body.String())
	}
	if retried := decode[models.Build](t, rec); retried.ID == id {
		t.Error("retry returned the original build")
	}
	if rec := env.do(t, http.MethodPost, "/v1/builds/api:nope/stop", nil); rec.Code != http.StatusNotFound {
		t.Errorf("stop missing status = %d", rec.Code)
	}
}

func TestGetLogs(t *testing.T) {
	env := newTestEnv(t)
	id := decode[models.Build](t, env.do(t, http.MethodPost, "/v1/projects/api/builds", nil)).ID

	env.sink.Append(id, models.PhaseInstall, []string{"installing"})
	env.sink.Append(id, models.PhaseBuild, []string{"compiling", "linking"})

	rec := env.do(t, http.MethodGet, "/v1/builds/"+id+"/logs", nil)
	live := decode[LogsResponse](t, rec)
	if !live.Live || len(live.Entries) != 3 {
		t.Fatalf("live logs = %+v", live)
	}

	if err := env.sink.Flush(context.Background(), id); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/v1/builds/"+id+"/logs?phase=BUILD", nil)
	stored := decode[LogsResponse](t, rec)
	if stored.Live || len(stored.Entries) != 2 || stored.Entries[0].Message != "compiling" {
		t.Errorf("stored logs = %+v", stored)
	}

	if rec := env.do(t, http.MethodGet, "/v1/builds/"+id+"/logs?phase=DEPLOY", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown phase status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/builds/api:nope/logs", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing build status = %d", rec.Code)
	}
}

func dialStream(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/builds/" + id + "/logs/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads stream messages, skipping pings, until one of type want.
func readUntil(t *testing.T, conn *websocket.Conn, want string) StreamMessage {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == MessagePing {
			continue
		}
		if msg.Type != want {
			t.Fatalf("got %s message, want %s", msg.Type, want)
		}
		return msg
	}
}

func TestStreamLiveBuild(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	id := decode[models.Build](t, env.do(t, http.MethodPost, "/v1/projects/api/builds", nil)).ID

	env.sink.Append(id, models.PhaseInstall, []string{"first"})
	conn := dialStream(t, srv, id)

	if msg := readUntil(t, conn, MessageLog); msg.Entry.Message != "first" {
		t.Errorf("backlog = %q", msg.Entry.Message)
	}
	env.sink.Append(id, models.PhaseBuild, []string{"second"})
	if msg := readUntil(t, conn, MessageLog); msg.Entry.Message != "second" {
		t.Errorf("live = %q", msg.Entry.Message)
	}

	if err := env.sink.Flush(context.Background(), id); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if msg := readUntil(t, conn, MessageComplete); msg.BuildStatus != models.BuildStatusInProgress {
		t.Errorf("complete status = %s", msg.BuildStatus)
	}
}

func TestStreamFinishedBuild(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	id := decode[models.Build](t, env.do(t, http.MethodPost, "/v1/projects/api/builds", nil)).ID

	env.sink.Append(id, models.PhaseBuild, []string{"a", "b"})
	if err := env.sink.Flush(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	conn := dialStream(t, srv, id)
	for _, want := range []string{"a", "b"} {
		if msg := readUntil(t, conn, MessageLog); msg.Entry.Message != want {
			t.Errorf("entry = %q, want %q", msg.Entry.Message, want)
		}
	}
	readUntil(t, conn, MessageComplete)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	for i, status := range []models.BuildStatus{models.BuildStatusSucceeded, models.BuildStatusFailed} {
		err := env.collector.RecordMetrics(ctx, &metrics.BuildMetrics{
			BuildID:     fmt.Sprintf("api:%d", i),
			ProjectName: "api",
			Status:      status,
			Success:     status == models.BuildStatusSucceeded,
			TotalTime:   time.Minute,
			StartedAt:   start,
			CompletedAt: &end,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(t, http.MethodGet, "/v1/metrics?project=api", nil)
	if agg := decode[metrics.AggregateMetrics](t, rec); agg.TotalBuilds != 2 || agg.SuccessfulBuilds != 1 {
		t.Errorf("aggregate = %+v", agg)
	}
	rec = env.do(t, http.MethodGet, "/v1/metrics?status=FAILED", nil)
	if agg := decode[metrics.AggregateMetrics](t, rec); agg.TotalBuilds != 1 {
		t.Errorf("failed aggregate = %+v", agg)
	}
	for _, q := range []string{"status=BROKEN", "success=maybe", "since=yesterday"} {
		if rec := env.do(t, http.MethodGet, "/v1/metrics?"+q, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, rec.Code)
		}
	}

	rec = env.do(t, http.MethodGet, "/v1/builds/api:0/metrics", nil)
	if m := decode[metrics.BuildMetrics](t, rec); m.BuildID != "api:0" {
		t.Errorf("build metrics = %+v", m)
	}
	if rec := env.do(t, http.MethodGet, "/v1/builds/api:9/metrics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing metrics status = %d", rec.Code)
	}
}
