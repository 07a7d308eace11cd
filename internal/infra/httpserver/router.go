package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	appscans "github.com/bryanwahyu/repo-guardian/internal/application/scans"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	"github.com/bryanwahyu/repo-guardian/internal/middleware"
)

// ScanService is the use-case surface the HTTP layer drives.
type ScanService interface {
	StartScan(ctx context.Context, cmd appscans.StartScanCommand) (appscans.StartScanResult, error)
	Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error)
	List(ctx context.Context, page, pageSize int) (domain.PaginatedResult, error)
	Cancel(id domain.ScanID) error
	Resume(ctx context.Context, id domain.ScanID) error
}

// Options wires the cross-cutting pieces of the router. Zero values disable
// the corresponding middleware.
type Options struct {
	Log            *zap.Logger
	Metrics        middleware.RequestObserver
	MetricsHandler http.Handler
	RateLimiter    *middleware.RateLimiter
	APIKeys        map[string]string
	CORSOrigins    []string
	HealthCheckers map[string]middleware.HealthChecker
	Tools          []string
	Ready          func() bool
}

type Router struct {
	scansSvc  ScanService
	validator *middleware.Validator
	log       *zap.Logger
}

func NewRouter(scansSvc ScanService, opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	r := &Router{scansSvc: scansSvc, validator: middleware.NewValidator(), log: opts.Log}
	mux := chi.NewRouter()

	mux.Use(chimw.Recoverer)
	mux.Use(middleware.Logging(opts.Log))
	if opts.Metrics != nil {
		mux.Use(middleware.Metrics(opts.Metrics))
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	if opts.RateLimiter != nil {
		mux.Use(middleware.RateLimit(opts.RateLimiter))
	}
	mux.Use(middleware.APIKeyAuth(opts.APIKeys))

	mux.Get("/health", middleware.HealthHandler(opts.HealthCheckers, opts.Tools))
	mux.Get("/ready", middleware.ReadinessHandler(opts.Ready))
	mux.Get("/live", middleware.LivenessHandler)
	if opts.MetricsHandler != nil {
		mux.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	mux.Route("/v1/scans", func(rt chi.Router) {
		rt.Post("/", r.wrap(r.handleStartScan))
		rt.Get("/", r.wrap(r.handleList))
		rt.Get("/{id}", r.wrap(r.handleGet))
		rt.Get("/{id}/results", r.wrap(r.handleGet))
		rt.Post("/{id}/cancel", r.wrap(r.handleCancel))
		rt.Post("/{id}/resume", r.wrap(r.handleResume))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

var errBadRequest = errors.New("bad request")

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		var verr *middleware.ValidationError
		var cloneErr *domain.CloneError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid input", "errors": verr.Fields})
		case errors.Is(err, errBadRequest):
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		case errors.Is(err, domain.ErrScanNotFound), errors.Is(err, domain.ErrScanNotActive):
			writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
		case errors.As(err, &cloneErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"message": err.Error(),
				"reason":  cloneErr.Reason,
			})
		case errors.Is(err, domain.ErrScanActive),
			errors.Is(err, domain.ErrScanTerminal),
			errors.Is(err, domain.ErrInvalidTransition):
			writeJSON(w, http.StatusConflict, map[string]string{"message": err.Error()})
		case errors.Is(err, appscans.ErrShuttingDown):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": err.Error()})
		default:
			r.log.Error("unhandled error",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.String("client", middleware.ClientFromContext(req.Context())),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal server error"})
		}
	}
}

// POST /v1/scans
// Body: {"repo_url": "https://github.com/<owner>/<repo>"}
func (r *Router) handleStartScan(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		RepoURL string `json:"repo_url" validate:"required,url,githubrepo"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<16)).Decode(&body); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	body.RepoURL = middleware.SanitizeString(body.RepoURL)
	if err := r.validator.Struct(body); err != nil {
		return err
	}

	res, err := r.scansSvc.StartScan(req.Context(), appscans.StartScanCommand{RepoURL: body.RepoURL})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, res)
	return nil
}

// GET /v1/scans?page=&page_size=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	page, _ := strconv.Atoi(req.URL.Query().Get("page"))
	size, _ := strconv.Atoi(req.URL.Query().Get("page_size"))

	list, err := r.scansSvc.List(req.Context(), page, size)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, list)
	return nil
}

// GET /v1/scans/{id}/results
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := r.scanID(req)
	if err != nil {
		return err
	}
	scan, err := r.scansSvc.Get(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, scan)
	return nil
}

// POST /v1/scans/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := r.scanID(req)
	if err != nil {
		return err
	}
	if err := r.scansSvc.Cancel(id); err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": string(id), "message": "cancellation requested"})
	return nil
}

// POST /v1/scans/{id}/resume
func (r *Router) handleResume(w http.ResponseWriter, req *http.Request) error {
	id, err := r.scanID(req)
	if err != nil {
		return err
	}
	if err := r.scansSvc.Resume(req.Context(), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": string(id), "message": "scan resumed"})
	return nil
}

func (r *Router) scanID(req *http.Request) (domain.ScanID, error) {
	id := chi.URLParam(req, "id")
	if err := r.validator.Var("id", id, "required,uuid"); err != nil {
		return "", err
	}
	return domain.ScanID(id), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
