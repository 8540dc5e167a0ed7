package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/medscan/medscan/pkg/domain"
	"github.com/medscan/medscan/pkg/repository"
)

// Server represents HTTP server instance
type Server struct {
	config    ConfigProvider
	store     Storage
	redeliver Redeliverer
	version   string
	debug     bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// Storage interface for server read operations
type Storage interface {
	Ping(ctx context.Context) error
	ListArticles(ctx context.Context, filter repository.ArticleFilter) ([]*domain.Article, error)
	GetArticle(ctx context.Context, fingerprint string) (*domain.Article, error)
	GetEnrichments(ctx context.Context, fingerprint string) (map[string]*domain.EnrichmentResult, error)
	GetJob(ctx context.Context, fingerprint string) (*domain.PipelineJob, error)
	ListAlertEvents(ctx context.Context, limit int) ([]*domain.AlertEvent, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
	QueueDepth(ctx context.Context) (int, error)
}

// Redeliverer retries dead-lettered notifications on demand
type Redeliverer interface {
	Redeliver(ctx context.Context, id string) error
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// New initializes a new server instance
func New(cfg ConfigProvider, store Storage, redeliver Redeliverer, version string, debug bool) *Server {
	s := &Server{
		config:    cfg,
		store:     store,
		redeliver: redeliver,
		version:   version,
		debug:     debug,
		router:    routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	lgr.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		lgr.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			lgr.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("medscan", "medscan", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)
		r.HandleFunc("GET /articles", s.listArticlesHandler)
		r.HandleFunc("GET /articles/{fingerprint}", s.getArticleHandler)
		r.HandleFunc("GET /alerts", s.listAlertsHandler)
		r.HandleFunc("GET /dead-letters", s.listDeadLettersHandler)
		r.HandleFunc("POST /dead-letters/{id}/redeliver", s.redeliverHandler)
	})
}

// statusHandler returns server health, including database reachability and
// current queue depth
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	}

	if err := s.store.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		RenderJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}

	if depth, err := s.store.QueueDepth(r.Context()); err == nil {
		status["queue_depth"] = depth
	}

	RenderJSON(w, r, http.StatusOK, status)
}

// listArticlesHandler returns articles, optionally filtered by source and
// status query params
func (s *Server) listArticlesHandler(w http.ResponseWriter, r *http.Request) {
	filter := repository.ArticleFilter{
		Source:         r.URL.Query().Get("source"),
		Status:         r.URL.Query().Get("status"),
		MinCredibility: queryFloat(r, "min_credibility"),
		Limit:          queryInt(r, "limit", 50),
	}

	articles, err := s.store.ListArticles(r.Context(), filter)
	if err != nil {
		RenderError(w, r, err, http.StatusInternalServerError)
		return
	}
	RenderJSON(w, r, http.StatusOK, map[string]interface{}{"articles": articles, "count": len(articles)})
}

// getArticleHandler returns one article with its enrichments and job record
func (s *Server) getArticleHandler(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.PathValue("fingerprint")

	article, err := s.store.GetArticle(r.Context(), fingerprint)
	if err != nil {
		RenderError(w, r, err, http.StatusInternalServerError)
		return
	}
	if article == nil {
		RenderError(w, r, fmt.Errorf("article %s not found", fingerprint), http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{"article": article}
	if enrichments, err := s.store.GetEnrichments(r.Context(), fingerprint); err == nil && len(enrichments) > 0 {
		resp["enrichments"] = enrichments
	}
	if job, err := s.store.GetJob(r.Context(), fingerprint); err == nil && job != nil {
		resp["job"] = job
	}

	RenderJSON(w, r, http.StatusOK, resp)
}

// listAlertsHandler returns recent alert events
func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListAlertEvents(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		RenderError(w, r, err, http.StatusInternalServerError)
		return
	}
	RenderJSON(w, r, http.StatusOK, map[string]interface{}{"alerts": events, "count": len(events)})
}

// listDeadLettersHandler returns dead-lettered notifications
func (s *Server) listDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	letters, err := s.store.ListDeadLetters(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		RenderError(w, r, err, http.StatusInternalServerError)
		return
	}
	RenderJSON(w, r, http.StatusOK, map[string]interface{}{"dead_letters": letters, "count": len(letters)})
}

// redeliverHandler retries one dead-lettered notification
func (s *Server) redeliverHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.redeliver.Redeliver(r.Context(), id); err != nil {
		RenderError(w, r, err, http.StatusBadRequest)
		return
	}
	RenderJSON(w, r, http.StatusOK, map[string]string{"result": "redelivered", "id": id})
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryFloat(r *http.Request, name string) float64 {
	if v := r.URL.Query().Get(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return 0
}

// RenderJSON sends JSON response
func RenderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			lgr.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// RenderError sends error response as JSON
func RenderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	RenderJSON(w, r, code, map[string]string{"error": errMsg})
}
