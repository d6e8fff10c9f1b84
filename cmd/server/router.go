package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/guido-cesarano/dispatchq/pkg/breaker"
	"github.com/guido-cesarano/dispatchq/pkg/queue"
	"github.com/guido-cesarano/dispatchq/pkg/results"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Breakers guarding the store calls made on the request path.
const (
	enqueueBreaker = "store.enqueue"
	resultsBreaker = "store.results"
)

const (
	defaultPeekLimit   = 50
	maxPeekLimit       = 500
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

// application holds the dependencies shared by every handler.
type application struct {
	queue     *queue.PriorityQueue
	store     *results.Store
	scheduler *queue.Scheduler
	breakers  *breaker.Registry
	validate  *validator.Validate
	log       zerolog.Logger
}

// taskRequest is the body of POST /enqueue and the template part of POST /schedule.
type taskRequest struct {
	Operation  string            `json:"operation" validate:"required"`
	Args       []any             `json:"args"`
	Kwargs     map[string]any    `json:"kwargs"`
	Priority   string            `json:"priority"`
	Timeout    string            `json:"timeout"`
	MaxRetries int               `json:"max_retries" validate:"gte=0"`
	Metadata   map[string]string `json:"metadata"`
}

func (req taskRequest) task() (*tasks.Task, error) {
	p, err := tasks.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	var timeout time.Duration
	if req.Timeout != "" {
		if timeout, err = time.ParseDuration(req.Timeout); err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
	}
	task := tasks.NewTask(req.Operation,
		tasks.WithPriority(p),
		tasks.WithArgs(req.Args...),
		tasks.WithKwargs(req.Kwargs),
		tasks.WithTimeout(timeout),
		tasks.WithMaxRetries(req.MaxRetries),
	)
	for k, v := range req.Metadata {
		tasks.WithMetadata(k, v)(task)
	}
	return task, nil
}

type scheduleRequest struct {
	Spec string `json:"spec" validate:"required"`
	taskRequest
}

type waitRequest struct {
	IDs     []string `json:"ids" validate:"required,min=1,dive,required"`
	Timeout string   `json:"timeout"`
}

// newBreakers builds the registry for store calls. Requests abandoned by their
// client must not count against the store.
func newBreakers(cfg breaker.Config, opts ...breaker.Option) *breaker.Registry {
	cfg.IsExpected = breaker.SkipCanceled
	return breaker.NewRegistry(cfg, opts...)
}

// authMiddleware enforces API key authentication. An empty key disables it.
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// enableCORS adds CORS headers and answers preflight requests before auth runs.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setupRouter configures the HTTP handlers.
func (app *application) setupRouter(apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(apiKey))

		r.Post("/enqueue", app.enqueue)
		r.Get("/tasks", app.peekTasks)
		r.Get("/tasks/{id}", app.taskInfo)
		r.Delete("/queue", app.clearQueue)
		r.Get("/stats", app.stats)

		r.Get("/results/{id}", app.getResult)
		r.Delete("/results/{id}", app.deleteResult)
		r.Post("/results/wait", app.waitResults)

		r.Post("/schedule", app.schedule)

		r.Get("/breakers", app.listBreakers)
		r.Post("/breakers/{name}/reset", app.resetBreaker)
	})

	return r
}

// storeError reports a backing store failure. Rejections from an open
// breaker carry a Retry-After hint.
func (app *application) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, breaker.ErrCircuitOpen) {
		w.Header().Set("Retry-After", "5")
	}
	http.Error(w, err.Error(), http.StatusServiceUnavailable)
}

func (app *application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.log.Error().Err(err).Msg("Failed to write response")
	}
}

// decode parses and validates a JSON body, writing a 400 on failure.
func (app *application) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := app.validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (app *application) enqueue(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !app.decode(w, r, &req) {
		return
	}
	task, err := req.task()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = app.breakers.Get(enqueueBreaker, nil).Call(r.Context(), func(ctx context.Context) error {
		return app.queue.Enqueue(ctx, task)
	})
	if err != nil {
		app.storeError(w, err)
		return
	}
	app.writeJSON(w, http.StatusCreated, map[string]string{
		"task_id":  task.ID,
		"priority": task.Priority.String(),
	})
}

func (app *application) peekTasks(w http.ResponseWriter, r *http.Request) {
	p, err := tasks.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := int64(defaultPeekLimit)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxPeekLimit)
	}

	list, err := app.queue.Peek(r.Context(), p, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	app.writeJSON(w, http.StatusOK, list)
}

func (app *application) taskInfo(w http.ResponseWriter, r *http.Request) {
	info, err := app.queue.TaskInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if info == nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	app.writeJSON(w, http.StatusOK, info)
}

func (app *application) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := app.queue.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *application) stats(w http.ResponseWriter, r *http.Request) {
	breakers := make(map[string]map[string]any)
	for name, s := range app.breakers.AllStats() {
		breakers[name] = s.Summary()
	}
	app.writeJSON(w, http.StatusOK, map[string]any{
		"queue":    app.queue.Stats(r.Context()),
		"results":  app.store.Stats(r.Context()),
		"breakers": breakers,
	})
}

func (app *application) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := breaker.Execute(r.Context(), app.breakers.Get(resultsBreaker, nil), func(ctx context.Context) (*tasks.TaskResult, error) {
		return app.store.GetResult(ctx, id)
	})
	if err != nil {
		app.storeError(w, err)
		return
	}
	if result == nil {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	app.writeJSON(w, http.StatusOK, result)
}

func (app *application) deleteResult(w http.ResponseWriter, r *http.Request) {
	existed, err := app.store.DeleteResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !existed {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *application) waitResults(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if !app.decode(w, r, &req) {
		return
	}
	timeout := defaultWaitTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			http.Error(w, "timeout must be a positive duration", http.StatusBadRequest)
			return
		}
		timeout = min(d, maxWaitTimeout)
	}

	got := app.store.WaitForResults(r.Context(), req.IDs, timeout)
	if got == nil {
		got = []*tasks.TaskResult{}
	}
	wanted := make(map[string]struct{}, len(req.IDs))
	for _, id := range req.IDs {
		wanted[id] = struct{}{}
	}
	app.writeJSON(w, http.StatusOK, map[string]any{
		"results": got,
		"missing": len(wanted) - len(got),
	})
}

func (app *application) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !app.decode(w, r, &req) {
		return
	}
	template, err := req.task()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entryID, err := app.scheduler.Schedule(req.Spec, *template)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid cron spec: %v", err), http.StatusBadRequest)
		return
	}
	app.writeJSON(w, http.StatusCreated, map[string]any{"entry_id": int(entryID), "spec": req.Spec})
}

func (app *application) listBreakers(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]any)
	for name, s := range app.breakers.AllStats() {
		out[name] = s.Summary()
	}
	app.writeJSON(w, http.StatusOK, out)
}

func (app *application) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	found := false
	for _, n := range app.breakers.List() {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		http.Error(w, "Breaker not found", http.StatusNotFound)
		return
	}
	app.breakers.Get(name, nil).Reset()
	w.WriteHeader(http.StatusNoContent)
}
