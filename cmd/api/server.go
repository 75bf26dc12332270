// Package api serves exported manifests and chunks over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/airframesio/dataset-exporter/cmd/export"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// ChunkResponse is a decoded chunk.
type ChunkResponse struct {
	ChunkNumber     int               `json:"chunk_number"`
	TotalPapers     int               `json:"total_papers"`
	ExportTimestamp string            `json:"export_timestamp"`
	Key             string            `json:"s3_key"`
	MD5             string            `json:"md5"`
	PaperIDs        []string          `json:"paper_ids"`
	Papers          []json.RawMessage `json:"papers"`
}

// Server is the read-only export API.
type Server struct {
	manifests *export.ManifestStore
	chunks    *export.ChunkStore
	verifier  *export.Verifier
	logger    *slog.Logger
	router    *chi.Mux
	server    *http.Server

	status     *statusHub
	stopStatus context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithTaskFile serves the exporter's task file at /api/status and pushes
// its changes over the /ws/status websocket.
func WithTaskFile(path string) Option {
	return func(s *Server) {
		s.status = newStatusHub(path, s.logger)
	}
}

// NewServer creates a Server with its routes installed.
func NewServer(manifests *export.ManifestStore, chunks *export.ChunkStore, verifier *export.Verifier, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		manifests: manifests,
		chunks:    chunks,
		verifier:  verifier,
		logger:    logger,
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	// Long-lived websocket, outside the request timeout
	s.router.Get("/ws/status", s.handleStatusSocket)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))

		r.Get("/api/status", s.handleStatus)
		r.Route("/api/manifests", func(r chi.Router) {
			r.Get("/", s.handleListManifests)
			r.Get("/{timestamp}", s.handleGetManifest)
			r.Get("/{timestamp}/verify", s.handleVerify)
			r.Get("/{timestamp}/chunks/{number}", s.handleGetChunk)
		})
	})
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.status != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopStatus = cancel
		go func() {
			if err := s.status.watch(ctx); err != nil {
				s.logger.Warn(fmt.Sprintf("⚠️  Live status disabled: %v", err))
			}
		}()
	}

	s.logger.Info(fmt.Sprintf("🌐 Serving exports on http://%s", addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopStatus != nil {
		s.stopStatus()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// requestLogger logs each request through the server's slog logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(fmt.Sprintf("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond)),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	timestamps, err := s.manifests.List(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if timestamps == nil {
		timestamps = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"timestamps": timestamps})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	timestamp, ok := s.timestampParam(w, r)
	if !ok {
		return
	}
	m, err := s.manifests.Get(r.Context(), timestamp)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	timestamp, ok := s.timestampParam(w, r)
	if !ok {
		return
	}
	result, err := s.verifier.Verify(r.Context(), timestamp)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	timestamp, ok := s.timestampParam(w, r)
	if !ok {
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 0 {
		s.respondError(w, r, fmt.Errorf("%w: %q", export.ErrInvalidChunkNumber, chi.URLParam(r, "number")))
		return
	}

	m, err := s.manifests.Get(r.Context(), timestamp)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if number >= m.NumChunks {
		s.respondError(w, r, fmt.Errorf("%w: %d (export has %d chunks)", export.ErrInvalidChunkNumber, number, m.NumChunks))
		return
	}
	if m.Format != s.chunks.Format() || m.Compression != s.chunks.Compression() {
		s.respondError(w, r, fmt.Errorf("%w: export is %s/%s, server reads %s/%s",
			export.ErrLayoutMismatch, m.Format, m.Compression, s.chunks.Format(), s.chunks.Compression()))
		return
	}
	entry, ok := m.Entry(number)
	if !ok {
		s.respondError(w, r, fmt.Errorf("%w: chunk %d was not written", export.ErrChunkMissing, number))
		return
	}

	obj, err := s.chunks.ReadChunkObject(r.Context(), entry.Key)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := ChunkResponse{
		ChunkNumber:     obj.Meta.ChunkNumber,
		TotalPapers:     obj.Meta.RecordCount,
		ExportTimestamp: obj.Meta.ExportTimestamp,
		Key:             entry.Key,
		MD5:             obj.MD5,
		PaperIDs:        make([]string, len(obj.Records)),
		Papers:          make([]json.RawMessage, len(obj.Records)),
	}
	for i, rec := range obj.Records {
		resp.PaperIDs[i] = rec.ID
		resp.Papers[i] = rec.Document
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) timestampParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	timestamp := chi.URLParam(r, "timestamp")
	if !export.ValidTimestamp(timestamp) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid export timestamp %q", timestamp))
		return "", false
	}
	return timestamp, true
}

// respondError logs err and writes it with the status it maps to.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(fmt.Sprintf("❌ %s %s: %v", r.Method, r.URL.Path, err),
			"request_id", middleware.GetReqID(r.Context()))
	} else {
		s.logger.Debug(fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, export.ErrManifestNotFound), errors.Is(err, export.ErrChunkMissing), errors.Is(err, errStatusDisabled):
		return http.StatusNotFound
	case errors.Is(err, export.ErrInvalidChunkNumber):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrLayoutMismatch):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		// client went away
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Status: status})
}
