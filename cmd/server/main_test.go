package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/guido-cesarano/dispatchq/pkg/breaker"
	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/queue"
	"github.com/guido-cesarano/dispatchq/pkg/results"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

func newTestApp(t *testing.T) (*miniredis.Miniredis, *application) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.NewPriorityQueue(rdb, queue.Options{Name: "test"})
	app := &application{
		queue:     q,
		store:     results.NewStore(rdb, results.Options{PollInterval: 50 * time.Millisecond}),
		scheduler: queue.NewScheduler(q),
		breakers:  newBreakers(breaker.DefaultConfig()),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       logger.Component("server-test"),
	}
	return s, app
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	_, app := newTestApp(t)
	mux := app.setupRouter("secret-key")

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{
			name:           "No API Key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong API Key",
			headerKey:      "X-API-Key",
			headerValue:    "wrong-key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Correct API Key",
			headerKey:      "X-API-Key",
			headerValue:    "secret-key",
			expectedStatus: http.StatusBadRequest, // empty body, but auth passed
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/enqueue", nil)
			if tt.headerKey != "" {
				req.Header.Set(tt.headerKey, tt.headerValue)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	_, app := newTestApp(t)
	mux := app.setupRouter("")

	w := do(t, mux, "POST", "/enqueue", nil, nil)
	if w.Code == http.StatusUnauthorized {
		t.Errorf("Expected auth to be disabled, got 401")
	}
}

func TestPreflightSkipsAuth(t *testing.T) {
	_, app := newTestApp(t)
	mux := app.setupRouter("secret-key")

	w := do(t, mux, "OPTIONS", "/enqueue", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected preflight to return 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected CORS headers on preflight")
	}
}

func TestEnqueueAndPeek(t *testing.T) {
	_, app := newTestApp(t)
	mux := app.setupRouter("")

	w := do(t, mux, "POST", "/enqueue", map[string]any{
		"operation": "email.send",
		"args":      []any{"user@example.com"},
		"priority":  "high",
		"timeout":   "30s",
		"metadata":  map[string]string{"tenant": "acme"},
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	json.NewDecoder(w.Body).Decode(&created)
	if created["task_id"] == "" || created["priority"] != "high" {
		t.Fatalf("Unexpected response: %v", created)
	}

	w = do(t, mux, "GET", "/tasks?priority=high", nil, nil)
	var peeked []*tasks.Task
	json.NewDecoder(w.Body).Decode(&peeked)
	if len(peeked) != 1 || peeked[0].ID != created["task_id"] {
		t.Fatalf("Expected the enqueued task at the head of the high list, got %v", peeked)
	}
	if peeked[0].Timeout != 30*time.Second || peeked[0].Metadata["tenant"] != "acme" {
		t.Errorf("Task fields not preserved: %+v", peeked[0])
	}

	w = do(t, mux, "GET", "/tasks/"+created["task_id"], nil, nil)
	var info map[string]string
	json.NewDecoder(w.Body).Decode(&info)
	if info["status"] != queue.StateEnqueued {
		t.Errorf("Expected enqueued status, got %v", info)
	}

	w = do(t, mux, "GET", "/tasks/unknown", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown task, got %d", w.Code)
	}
}

func TestEnqueueValidation(t *testing.T) {
	_, app := newTestApp(t)
	mux := app.setupRouter("")

	bad := []map[string]any{
		{"args": []any{1}},
		{"operation": "x", "priority": "someday"},
		{"operation": "x", "timeout": "soon"},
		{"operation": "x", "max_retries": -1},
	}
	for _, body := range bad {
		w := do(t, mux, "POST", "/enqueue", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %v, got %d", body, w.Code)
		}
	}
}

func TestEnqueueStoreDownOpensBreaker(t *testing.T) {
	s, app := newTestApp(t)
	mux := app.setupRouter("")
	s.Close()

	body := map[string]any{"operation": "x"}
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		w := do(t, mux, "POST", "/enqueue", body, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("Expected 503, got %d", w.Code)
		}
	}

	w := do(t, mux, "POST", "/enqueue", body, nil)
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") == "" {
		t.Errorf("Expected breaker rejection with Retry-After, got %d", w.Code)
	}
	if app.breakers.Get(enqueueBreaker, nil).State() != breaker.StateOpen {
		t.Errorf("Expected enqueue breaker to be open")
	}

	w = do(t, mux, "POST", "/breakers/"+enqueueBreaker+"/reset", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected reset to return 204, got %d", w.Code)
	}
	if app.breakers.Get(enqueueBreaker, nil).State() != breaker.StateClosed {
		t.Errorf("Expected enqueue breaker to be closed after reset")
	}

	w = do(t, mux, "POST", "/breakers/unknown/reset", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown breaker, got %d", w.Code)
	}
}

func TestCancelledRequestsKeepBreakerClosed(t *testing.T) {
	_, app := newTestApp(t)
	mux := app.setupRouter("")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < breaker.DefaultConfig().FailureThreshold+1; i++ {
		buf := bytes.NewBufferString(`{"operation":"x"}`)
		req := httptest.NewRequest("POST", "/enqueue", buf).WithContext(ctx)
		mux.ServeHTTP(httptest.NewRecorder(), req)
	}

	if state := app.breakers.Get(enqueueBreaker, nil).State(); state != breaker.StateClosed {
		t.Fatalf("Expected abandoned requests to leave the breaker closed, got %s", state)
	}
	w := do(t, mux, "POST", "/enqueue", map[string]any{"operation": "x"}, nil)
	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201 once the client stays, got %d: %s", w.Code, w.Body.String())
	}
}

func TestResultEndpoints(t *testing.T) {
	_, app := newTestApp(t)
	mux := app.setupRouter("")
	ctx := context.Background()

	res := &tasks.TaskResult{TaskID: "t1", Status: tasks.StatusCompleted}
	res.SetValue(map[string]int{"rows": 3})
	if err := app.store.StoreResult(ctx, res); err != nil {
		t.Fatalf("StoreResult failed: %v", err)
	}

	w := do(t, mux, "GET", "/results/t1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got tasks.TaskResult
	json.NewDecoder(w.Body).Decode(&got)
	if got.Status != tasks.StatusCompleted || string(got.Result) != `{"rows":3}` {
		t.Errorf("Unexpected result: %+v", got)
	}

	w = do(t, mux, "POST", "/results/wait", map[string]any{"ids": []string{"t1", "t2"}, "timeout": "200ms"}, nil)
	var waited struct {
		Results []*tasks.TaskResult `json:"results"`
		Missing int                 `json:"missing"`
	}
	json.NewDecoder(w.Body).Decode(&waited)
	if len(waited.Results) != 1 || waited.Missing != 1 {
		t.Errorf("Expected one result and one missing, got %+v", waited)
	}

	w = do(t, mux, "POST", "/results/wait", map[string]any{"ids": []string{"t1", "t1"}, "timeout": "200ms"}, nil)
	waited.Results, waited.Missing = nil, -1
	json.NewDecoder(w.Body).Decode(&waited)
	if len(waited.Results) != 1 || waited.Missing != 0 {
		t.Errorf("Expected repeated ids to be waited on once, got %+v", waited)
	}

	w = do(t, mux, "DELETE", "/results/t1", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	w = do(t, mux, "GET", "/results/t1", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestScheduleAndStats(t *testing.T) {
	_, app := newTestApp(t)
	mux := app.setupRouter("")

	w := do(t, mux, "POST", "/schedule", map[string]any{"spec": "not a spec", "operation": "x"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid spec, got %d", w.Code)
	}
	w = do(t, mux, "POST", "/schedule", map[string]any{"spec": "@every 1m", "operation": "report.build"}, nil)
	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if app.scheduler.Entries() != 1 {
		t.Errorf("Expected one schedule entry, got %d", app.scheduler.Entries())
	}

	do(t, mux, "POST", "/enqueue", map[string]any{"operation": "x", "priority": "low"}, nil)
	w = do(t, mux, "GET", "/stats", nil, nil)
	var stats struct {
		Queue    queue.Stats               `json:"queue"`
		Breakers map[string]map[string]any `json:"breakers"`
	}
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.Queue.Enqueued != 1 || stats.Queue.SizeByPriority["low"] != 1 {
		t.Errorf("Unexpected queue stats: %+v", stats.Queue)
	}
	if _, ok := stats.Breakers[enqueueBreaker]; !ok {
		t.Errorf("Expected enqueue breaker in stats, got %v", stats.Breakers)
	}

	w = do(t, mux, "DELETE", "/queue", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
}
