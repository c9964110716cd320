// Package server exposes a read-only HTTP API over the store plus a scan trigger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"hashdb/internal/deduper"
	"hashdb/internal/digest"
	"hashdb/internal/indexer"
	"hashdb/internal/logging"
	"hashdb/internal/metrics"
	"hashdb/internal/report"
	"hashdb/internal/storage"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Scanner is the scan control surface of the indexer.
type Scanner interface {
	StartScan(ctx context.Context, roots []string, mode indexer.ScanMode) error
	Status() indexer.ScanStatus
}

// Store is the read surface of the record store.
type Store interface {
	report.Store
	Get(ctx context.Context, path string) (storage.Record, bool, error)
}

// DuplicateFinder lists duplicate sets without acting on them.
type DuplicateFinder interface {
	Find(ctx context.Context, alg digest.Algorithm) ([]deduper.Set, error)
}

// Server wires together HTTP handlers for the API.
type Server struct {
	index      Scanner
	store      Store
	duplicates DuplicateFinder
	metrics    *metrics.Metrics
	logger     *zap.Logger
	roots      []string
	algorithm  digest.Algorithm
	baseCtx    context.Context
}

// Options configures a Server.
type Options struct {
	// Roots are scanned when a scan is requested.
	Roots []string
	// Algorithm is used when a request names none.
	Algorithm digest.Algorithm
}

// New creates a Server.
func New(idx Scanner, store Store, duplicates DuplicateFinder, m *metrics.Metrics, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if opts.Algorithm == "" {
		opts.Algorithm = digest.Default
	}
	return &Server{
		index:      idx,
		store:      store,
		duplicates: duplicates,
		metrics:    m,
		logger:     logger,
		roots:      opts.Roots,
		algorithm:  opts.Algorithm,
		baseCtx:    context.Background(),
	}
}

// Routes returns the HTTP handler that exposes the application endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.Middleware(route, h))
	}
	handle("GET /api/status", "status", s.handleStatus)
	handle("POST /api/scan", "scan", s.handleScan)
	handle("GET /api/records", "records", s.handleRecords)
	handle("GET /api/record", "record", s.handleRecord)
	handle("GET /api/duplicates", "duplicates", s.handleDuplicates)
	handle("GET /api/report", "report", s.handleReport)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return logging.Middleware(s.logger, mux)
}

// Start runs the HTTP server until the provided context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx = ctx

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		} else {
			errCh <- nil
		}
	}()
	s.logger.Info("server listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.index.Status())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode string `json:"mode"`
	}

	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			return
		}
	}

	mode, err := indexer.ParseScanMode(payload.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(s.roots) == 0 {
		http.Error(w, "no scan roots configured", http.StatusBadRequest)
		return
	}

	if err := s.index.StartScan(s.baseCtx, s.roots, mode); err != nil {
		if errors.Is(err, indexer.ErrScanInProgress) {
			http.Error(w, "scan already in progress", http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("start scan: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": s.index.Status()})
}

type recordView struct {
	Path       string            `json:"path"`
	Name       string            `json:"name"`
	Size       int64             `json:"size"`
	CreatedAt  *time.Time        `json:"createdAt,omitempty"`
	ModTime    time.Time         `json:"modified"`
	ImportedAt time.Time         `json:"imported"`
	ScannedAt  time.Time         `json:"scanned"`
	Digests    map[string]string `json:"digests,omitempty"`
	Flags      string            `json:"flags,omitempty"`
	RootPath   string            `json:"rootPath"`
}

func viewOf(r storage.Record) recordView {
	v := recordView{
		Path:       r.Path,
		Name:       r.Name,
		Size:       r.Size,
		CreatedAt:  r.CreatedAt,
		ModTime:    r.ModTime,
		ImportedAt: r.ImportedAt,
		ScannedAt:  r.ScannedAt,
		Flags:      string(r.Flags),
		RootPath:   r.RootPath,
	}
	if len(r.Digests) > 0 {
		v.Digests = make(map[string]string, len(r.Digests))
		for alg, value := range r.Digests {
			v.Digests[alg.String()] = value
		}
	}
	return v
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := defaultLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLimit)
	}

	records, truncated, err := take(s.store.Iterate(r.Context(), query.Get("prefix")), limit)
	if err != nil {
		s.logger.Error("list records", zap.Error(err))
		http.Error(w, "list records failed", http.StatusInternalServerError)
		return
	}

	views := make([]recordView, len(records))
	for i, record := range records {
		views[i] = viewOf(record)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views, "truncated": truncated})
}

func take(seq iter.Seq2[storage.Record, error], limit int) ([]storage.Record, bool, error) {
	var out []storage.Record
	for record, err := range seq {
		if err != nil {
			return nil, false, err
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, record)
	}
	return out, false, nil
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path parameter", http.StatusBadRequest)
		return
	}

	record, ok, err := s.store.Get(r.Context(), path)
	if err != nil {
		s.logger.Error("get record", zap.String("path", path), zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(record))
}

func (s *Server) algorithmParam(r *http.Request) (digest.Algorithm, error) {
	raw := r.URL.Query().Get("algo")
	if raw == "" {
		return s.algorithm, nil
	}
	return digest.Parse(raw)
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	alg, err := s.algorithmParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sets, err := s.duplicates.Find(r.Context(), alg)
	if err != nil {
		s.logger.Error("find duplicates", zap.Error(err))
		http.Error(w, "find duplicates failed", http.StatusInternalServerError)
		return
	}

	type setView struct {
		Digest  string       `json:"digest"`
		Keeper  string       `json:"keeper"`
		Members []recordView `json:"members"`
	}
	views := make([]setView, len(sets))
	for i, set := range sets {
		members := make([]recordView, len(set.Members))
		for j, member := range set.Members {
			members[j] = viewOf(member)
		}
		views[i] = setView{Digest: set.Digest, Keeper: set.Keeper().Path, Members: members}
	}
	writeJSON(w, http.StatusOK, map[string]any{"algorithm": alg, "sets": views})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	alg, err := s.algorithmParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := report.Summarize(r.Context(), s.store, alg)
	if err != nil {
		s.logger.Error("summarize", zap.Error(err))
		http.Error(w, "report failed", http.StatusInternalServerError)
		return
	}
	s.metrics.SetStoreRecords(summary.TotalRows)
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
	}
}
