// Package api serves the run ledger and accepts TDDF uploads over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/tddf-cli/internal/monitoring"
	"github.com/sells-group/tddf-cli/internal/store"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// Options configures a Server.
type Options struct {
	Store     store.Store
	Processor *stream.Processor
	// Alerter, when set, evaluates every upload's summary.
	Alerter        *monitoring.Alerter
	FlushSize      int
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Server handles API requests.
type Server struct {
	store          store.Store
	proc           *stream.Processor
	alerter        *monitoring.Alerter
	flushSize      int
	maxUploadBytes int64
	origins        []string
	uploads        nameLocks
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		store:          opts.Store,
		proc:           opts.Processor,
		alerter:        opts.Alerter,
		flushSize:      opts.FlushSize,
		maxUploadBytes: opts.MaxUploadBytes,
		origins:        opts.AllowedOrigins,
	}
}

// UploadResponse is returned by POST /api/uploads.
type UploadResponse struct {
	Run     *store.Run      `json:"run"`
	Summary *stream.Summary `json:"summary"`
	Alerts  int             `json:"alerts,omitempty"`
}

// RunResponse is returned by GET /api/runs/{id}.
type RunResponse struct {
	Run    *store.Run       `json:"run"`
	Groups []store.GroupRow `json:"groups"`
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", s.handlePing)
		r.Get("/catalog", s.handleCatalog)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/uploads", s.handleUpload)
	})
	return r
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"catalog_version": s.proc.Catalog().Version(),
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newCatalogView(s.proc.Catalog()))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:     store.RunStatus(q.Get("status")),
		SourceName: q.Get("source"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	if v := q.Get("since"); v != "" {
		if filter.StartedAfter, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list runs", err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get run", err)
		return
	}

	limit, err := intParam(r.URL.Query().Get("groups"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "groups must be a non-negative integer")
		return
	}
	if limit == 0 {
		limit = 100
	}
	groups, err := s.store.ListGroups(r.Context(), id, limit)
	if err != nil {
		s.internalError(w, r, "list groups", err)
		return
	}
	if groups == nil {
		groups = []store.GroupRow{}
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: run, Groups: groups})
}

// handleUpload decodes the request body as one stream and persists it as a
// run. A name that already completed is rejected with 409 unless force=true.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	// Same-name uploads run one at a time, so a second one sees the first's
	// completed run and gets 409 instead of ingesting alongside it.
	unlock := s.uploads.lock(name)
	defer unlock()

	if !force {
		last, err := s.store.LastSuccess(r.Context(), name)
		if err != nil {
			s.internalError(w, r, "check previous runs", err)
			return
		}
		if last != nil {
			writeError(w, http.StatusConflict, "already ingested at "+last.UTC().Format(time.RFC3339))
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	var sink *store.Sink
	factory := func(ctx context.Context, src stream.Source) (stream.StreamSink, error) {
		var err error
		sink, err = store.NewSink(ctx, s.store, src.Name, s.proc.Catalog().Version(), s.flushSize)
		return sink, err
	}
	src := stream.Source{
		ID:   name,
		Name: name,
		Open: func(context.Context) (io.ReadCloser, error) { return body, nil },
	}

	res := stream.NewRunner(s.proc, factory, 1).Run(r.Context(), []stream.Source{src})[0]
	if sink == nil {
		s.internalError(w, r, "start run", res.Err)
		return
	}

	resp := UploadResponse{Run: sink.Run(), Summary: &res.Summary}
	if s.alerter != nil {
		alerts := s.alerter.Evaluate(res.Summary)
		resp.Alerts = len(alerts)
		s.alerter.SendAlerts(r.Context(), alerts)
	}

	if res.Err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusUnprocessableEntity
		if errors.As(res.Err, &tooLarge) || strings.Contains(res.Err.Error(), "request body too large") {
			status = http.StatusRequestEntityTooLarge
		}
		zap.L().Warn("api: upload failed", zap.String("name", name), zap.Error(res.Err))
		writeJSON(w, status, map[string]any{
			"error":   res.Err.Error(),
			"run":     resp.Run,
			"summary": resp.Summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, action string, err error) {
	zap.L().Error("api: "+action,
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, action+" failed")
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// nameLocks is a set of mutexes keyed by upload name. Entries are dropped
// when their last holder unlocks.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	sync.Mutex
	refs int
}

func (n *nameLocks) lock(name string) func() {
	n.mu.Lock()
	if n.locks == nil {
		n.locks = make(map[string]*nameLock)
	}
	l, ok := n.locks[name]
	if !ok {
		l = &nameLock{}
		n.locks[name] = l
	}
	l.refs++
	n.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		n.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(n.locks, name)
		}
		n.mu.Unlock()
	}
}
