// Package api serves the review surface over HTTP: run status, the pending
// cache and commit actions, CSV export and a WebSocket status stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/airgen-go/export"
	observestore "github.com/PipeOpsHQ/airgen-go/observe/store"
	"github.com/PipeOpsHQ/airgen-go/pipeline"
	"github.com/PipeOpsHQ/airgen-go/prompt"
	"github.com/PipeOpsHQ/airgen-go/recordstore"
	"github.com/PipeOpsHQ/airgen-go/runtimeconfig"
	"github.com/PipeOpsHQ/airgen-go/state"
	"github.com/PipeOpsHQ/airgen-go/types"
)

// RecordSource reloads the batch from the record store.
type RecordSource interface {
	Refresh(ctx context.Context) ([]types.Record, error)
}

type Config struct {
	Addr          string
	Orchestrator  *pipeline.Orchestrator
	Records       RecordSource
	Templates     *prompt.Registry
	StateStore    state.Store
	TraceStore    observestore.Store
	OriginalField string
	// MaxJobBytes caps the size of a POST /api/v1/runs body.
	MaxJobBytes int64
}

type Server struct {
	cfg      Config
	mux      *http.ServeMux
	http     *http.Server
	upgrader websocket.Upgrader
	once     sync.Once

	baseCtx    context.Context
	baseCancel context.CancelFunc

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:7070"
	}
	if cfg.Templates == nil {
		cfg.Templates = prompt.Default()
	}
	if cfg.MaxJobBytes <= 0 {
		cfg.MaxJobBytes = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		baseCtx:    ctx,
		baseCancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.registerRoutes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/records", s.handleRecords)
	s.mux.HandleFunc("POST /api/v1/records/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/v1/templates", s.handleTemplates)
	s.mux.HandleFunc("GET /api/v1/runs", s.handleRunHistory)
	s.mux.HandleFunc("POST /api/v1/runs", s.handleStartRun)
	s.mux.HandleFunc("POST /api/v1/runs/cancel", s.handleCancelRun)
	s.mux.HandleFunc("POST /api/v1/pending/commit-all", s.handleCommitAll)
	s.mux.HandleFunc("POST /api/v1/pending/{id}/commit", s.handleCommitOne)
	s.mux.HandleFunc("DELETE /api/v1/pending/{id}", s.handleDiscard)
	s.mux.HandleFunc("GET /api/v1/export.csv", s.handleExport)
	s.mux.HandleFunc("GET /api/v1/metrics/summary", s.handleMetrics)
	s.mux.HandleFunc("GET /api/v1/stream", s.handleStream)
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received, stopping review server")
		_ = s.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close stops the listener and cancels a run started through the API, waiting
// for its in-flight record to finish.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		s.baseCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
		if outErr != nil {
			log.Printf("review server close error: %v", outErr)
		}
		s.runMu.Lock()
		done := s.runDone
		s.runMu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-shutdownCtx.Done():
			}
		}
	})
	return outErr
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Orchestrator.Status())
}

func (s *Server) handleRecords(w http.ResponseWriter, _ *http.Request) {
	records := s.cfg.Orchestrator.Records()
	writeJSON(w, http.StatusOK, map[string]any{
		"records":     records,
		"fields":      types.DiscoverFields(records),
		"imageFields": types.ImageFields(records),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Records == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no record store connected"))
		return
	}
	records, err := s.cfg.Records.Refresh(r.Context())
	if err != nil {
		writeError(w, statusForStoreError(err), err)
		return
	}
	if err := s.cfg.Orchestrator.SetRecords(records); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(records)})
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Templates.List())
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StateStore == nil {
		writeJSON(w, http.StatusOK, []state.RunRecord{})
		return
	}
	q := state.ListRunsQuery{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	runs, err := s.cfg.StateStore.ListRuns(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxJobBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := runtimeconfig.Parse("request body", body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := job.ProcessingConfig(s.cfg.Templates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records := s.cfg.Orchestrator.Records()
	if job.Limit > 0 && len(records) > job.Limit {
		records = records[:job.Limit]
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runDone != nil || s.cfg.Orchestrator.Status().IsProcessing {
		writeError(w, http.StatusConflict, pipeline.ErrRunInProgress)
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.runCancel, s.runDone = cancel, done
	go func() {
		defer close(done)
		defer cancel()
		if err := s.cfg.Orchestrator.Process(ctx, records, cfg); err != nil {
			log.Printf("api run ended with error: %v", err)
		}
		s.runMu.Lock()
		s.runCancel, s.runDone = nil, nil
		s.runMu.Unlock()
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"total": len(records), "mode": cfg.Mode})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, _ *http.Request) {
	s.runMu.Lock()
	cancel := s.runCancel
	s.runMu.Unlock()
	if cancel == nil {
		writeError(w, http.StatusNotFound, errors.New("no run started by this server is active"))
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]any{"canceled": true})
}

func (s *Server) handleCommitOne(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.cfg.Orchestrator.Status().Pending(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no pending draft for %s", id))
		return
	}
	if err := s.cfg.Orchestrator.CommitOne(r.Context(), id); err != nil {
		code := statusForStoreError(err)
		if errors.Is(err, pipeline.ErrNoOutputField) {
			code = http.StatusConflict
		}
		writeJSON(w, code, map[string]any{
			"error": err.Error(),
			"kind":  recordstore.KindOf(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": id})
}

func (s *Server) handleCommitAll(w http.ResponseWriter, r *http.Request) {
	summary := s.cfg.Orchestrator.CommitAll(r.Context())
	errs := make([]string, 0, len(summary.Errors))
	for _, e := range summary.Errors {
		errs = append(errs, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempted": summary.Attempted,
		"committed": summary.Committed,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"errors":    errs,
	})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.cfg.Orchestrator.Discard(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no pending draft for %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	status := s.cfg.Orchestrator.Status()
	if status.PendingUpdates == nil || status.PendingUpdates.Len() == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	field := s.cfg.OriginalField
	if field == "" {
		field = s.cfg.Orchestrator.Config().OutputField
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(time.Now())))
	if _, err := export.WriteCSV(w, s.cfg.Orchestrator.Records(), status, field); err != nil {
		log.Printf("csv export failed: %v", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TraceStore == nil {
		writeJSON(w, http.StatusOK, observestore.MetricsSummary{})
		return
	}
	var q observestore.MetricsQuery
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("since must be RFC3339: %w", err))
			return
		}
		q.Since = &since
	}
	metrics, err := s.cfg.TraceStore.AggregateMetrics(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func statusForStoreError(err error) int {
	switch recordstore.KindOf(err) {
	case recordstore.KindAuth:
		return http.StatusUnauthorized
	case recordstore.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
