// Package api hosts the daemon's HTTP surface: project lifecycle, photo
// upload, quota inspection, and the websocket ingest endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"memoir/internal/blob"
	"memoir/internal/config"
	"memoir/internal/ingest"
	"memoir/internal/logging"
	"memoir/internal/pipeline"
	"memoir/internal/quota"
	"memoir/internal/store"
)

type contextKey string

const userKey contextKey = "user"

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	blobs  blob.Store
	quota  *quota.Manager
	pipe   *pipeline.Pipeline
	ingest *ingest.Handler
	logger *slog.Logger

	httpServer *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config *config.Config
	Store  *store.Store
	Blobs  blob.Store
	Quota  *quota.Manager
	Pipe   *pipeline.Pipeline
	Logger *slog.Logger
}

// NewServer builds the HTTP server. Call Run to serve.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		cfg:    deps.Config,
		store:  deps.Store,
		blobs:  deps.Blobs,
		quota:  deps.Quota,
		pipe:   deps.Pipe,
		ingest: ingest.NewHandler(deps.Store, deps.Blobs, deps.Config, logger),
		logger: logger.With(logging.String(logging.FieldComponent, "api")),
	}
	s.httpServer = &http.Server{
		Addr:              deps.Config.Paths.APIBind,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	api.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}", s.handleGetProject).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}", s.handleDeleteProject).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{id}/stop", s.handleStopProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/photos", s.handleAddPhoto).Methods(http.MethodPost)
	api.HandleFunc("/quota", s.handleQuota).Methods(http.MethodGet)

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(s.authenticate)
	ws.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodGet)
	return r
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("api listening", logging.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authenticate checks the shared API token when one is configured and binds
// the request to a user account. Account identity comes from the X-User-ID
// header; this daemon sits behind whatever auth proxy the deployment uses.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := s.cfg.Paths.APIToken; token != "" {
			header := r.Header.Get("Authorization")
			if header != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, "invalid api token")
				return
			}
		}

		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, "X-User-ID header is required")
			return
		}
		if err := s.store.EnsureUser(r.Context(), userID, userID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func requestUser(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	s.ingest.Serve(w, r, requestUser(r))
}
