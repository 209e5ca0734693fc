// Package api serves the sweep harness over HTTP: sweep submission and
// polling, archive and chart downloads, and model uploads.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/modelsweep/internal/calibrate"
	"github.com/banshee-data/modelsweep/internal/fsutil"
	"github.com/banshee-data/modelsweep/internal/httputil"
	"github.com/banshee-data/modelsweep/internal/modelstore"
	"github.com/banshee-data/modelsweep/internal/monitoring"
	"github.com/banshee-data/modelsweep/internal/timeutil"
	"github.com/banshee-data/modelsweep/internal/version"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	// MaxRequestBytes caps a sweep request body.
	MaxRequestBytes = 1 << 20
	// MaxModelUploadBytes caps a model zip upload.
	MaxModelUploadBytes = 256 << 20
)

var logf = monitoring.Component("api")

// ModelStore is the part of the model registry the API needs.
type ModelStore interface {
	AddModel(name string, archive []byte) (modelstore.ModelEntry, error)
	List() []modelstore.ModelEntry
}

// Server runs submitted sweeps in the background and reports on them.
type Server struct {
	coord  *calibrate.Coordinator
	models ModelStore
	clock  timeutil.Clock
	files  fsutil.FileSystem
	newID  func() string

	// ctx bounds every background sweep; cancelling it stops them.
	ctx context.Context
	wg  sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

// NewServer returns a server whose background sweeps run under ctx.
func NewServer(ctx context.Context, coord *calibrate.Coordinator, models ModelStore) *Server {
	return &Server{
		coord:  coord,
		models: models,
		clock:  timeutil.RealClock{},
		files:  fsutil.OSFileSystem{},
		newID:  uuid.NewString,
		ctx:    ctx,
		jobs:   make(map[string]*job),
	}
}

// Wait blocks until every background sweep has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sweeps", s.submitSweep)
	mux.HandleFunc("GET /api/sweeps/{id}", s.sweepStatus)
	mux.HandleFunc("GET /api/sweeps/{id}/archive", s.downloadArchive)
	mux.HandleFunc("GET /api/sweeps/{id}/chart", s.sweepChart)
	mux.HandleFunc("POST /api/models", s.uploadModel)
	mux.HandleFunc("GET /api/models", s.listModels)
	mux.HandleFunc("GET /api/version", s.showVersion)
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// writeError maps harness errors onto status codes. A registered model
// whose directory is missing is a server fault and falls through to 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		cfgErr   *calibrate.ConfigError
		notFound *calibrate.ModelNotFoundError
	)
	switch {
	case errors.As(err, &cfgErr):
		httputil.BadRequest(w, err.Error())
	case errors.As(err, &notFound), errors.Is(err, calibrate.ErrResultNotFound):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
