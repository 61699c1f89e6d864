package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rowanalpha/ranksync/internal/pipeline"
	"github.com/rowanalpha/ranksync/internal/provider"
	"github.com/rowanalpha/ranksync/internal/resilience"
	"github.com/rowanalpha/ranksync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for triggering and inspecting runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		api := newRunAPI(ctx, st, newProviderClient(), newRetryConfig())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runAPI owns the HTTP surface: it launches ingestion runs on the server's
// base context and tracks them in an in-memory registry. Run history does
// not survive a restart.
type runAPI struct {
	baseCtx  context.Context
	store    store.Store
	client   provider.Client
	retry    resilience.RetryConfig
	registry *runRegistry
}

func newRunAPI(baseCtx context.Context, st store.Store, client provider.Client, retry resilience.RetryConfig) *runAPI {
	return &runAPI{
		baseCtx:  baseCtx,
		store:    st,
		client:   client,
		retry:    retry,
		registry: newRunRegistry(),
	}
}

func (a *runAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", a.handleHealth)
	r.Route("/api/v1/runs", func(r chi.Router) {
		r.Post("/", a.handleStartRun)
		r.Get("/", a.handleListRuns)
		r.Get("/{id}", a.handleGetRun)
	})

	return r
}

func (a *runAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startRunRequest mirrors the ingest command's flags.
type startRunRequest struct {
	Source      string `json:"source"`
	Format      string `json:"format"`
	Mapping     string `json:"mapping"`
	Encoding    string `json:"encoding"`
	Concurrency int    `json:"concurrency"`
	Limit       int    `json:"limit"`
}

func (a *runAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source is required"})
		return
	}

	// Opened on the server's context, not the request's: the run outlives
	// this handler.
	source, cleanup, err := openRowSource(a.baseCtx, runInput{
		Source:   req.Source,
		Format:   req.Format,
		Mapping:  req.Mapping,
		Encoding: req.Encoding,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	coord := pipeline.New(a.client, a.store, a.retry, pipeline.Options{
		Concurrency: req.Concurrency,
		Limit:       req.Limit,
	})
	a.registry.add(coord, req.Source)

	go func() {
		defer cleanup()
		snap, runErr := coord.Run(a.baseCtx, source)
		a.registry.finish(coord.RunID(), snap, runErr)
		if runErr != nil {
			zap.L().Error("api run failed",
				zap.String("run_id", coord.RunID()),
				zap.Error(runErr),
			)
			return
		}
		zap.L().Info("api run complete",
			zap.String("run_id", coord.RunID()),
			zap.Int64("processed", snap.TotalProcessed),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": coord.RunID(),
		"status": "accepted",
	})
}

func (a *runAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.list())
}

func (a *runAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	entry, ok := a.registry.get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type runState string

const (
	runRunning  runState = "running"
	runComplete runState = "complete"
	runFailed   runState = "failed"
)

// runEntry is the API view of one run. Stats are live while the run is in
// flight and frozen at its final snapshot afterwards.
type runEntry struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Status     runState          `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Stats      pipeline.Snapshot `json:"stats"`
	Error      string            `json:"error,omitempty"`
}

type runRegistry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*trackedRun
}

type trackedRun struct {
	entry runEntry
	coord *pipeline.Coordinator
}

func newRunRegistry() *runRegistry {
	return &runRegistry{entries: make(map[string]*trackedRun)}
}

func (r *runRegistry) add(coord *pipeline.Coordinator, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := coord.RunID()
	r.order = append(r.order, id)
	r.entries[id] = &trackedRun{
		entry: runEntry{
			ID:        id,
			Source:    source,
			Status:    runRunning,
			StartedAt: time.Now().UTC(),
		},
		coord: coord,
	}
}

func (r *runRegistry) finish(id string, snap pipeline.Snapshot, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.entries[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	tr.entry.FinishedAt = &now
	tr.entry.Stats = snap
	if runErr != nil {
		tr.entry.Status = runFailed
		tr.entry.Error = runErr.Error()
	} else {
		tr.entry.Status = runComplete
	}
}

func (r *runRegistry) get(id string) (runEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.entries[id]
	if !ok {
		return runEntry{}, false
	}
	return r.view(tr), true
}

// list returns all runs, newest first.
func (r *runRegistry) list() []runEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]runEntry, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.view(r.entries[r.order[i]]))
	}
	return out
}

// view snapshots live counters for in-flight runs; callers hold the lock.
func (r *runRegistry) view(tr *trackedRun) runEntry {
	entry := tr.entry
	if entry.Status == runRunning {
		entry.Stats = tr.coord.Stats()
	}
	return entry
}
