// Package server implements the HTTP surface of the orchestrator: the GitHub
// webhook receiver, the report stream, manual sync triggers and the metrics
// and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/go-github/v82/github"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/repos"
	"github.com/repoherd/repoherd/internal/service"
)

type Server struct {
	coordinator *service.Coordinator
	config      *config.Root
	router      *http.ServeMux
	log         *logging.Logger
	readyFn     func(context.Context) error
}

func New() *Server {
	return &Server{
		log:     logging.NewNopLogger(),
		readyFn: func(context.Context) error { return nil },
	}
}

func (s *Server) WithCoordinator(c *service.Coordinator) *Server {
	s.coordinator = c
	return s
}

func (s *Server) WithConfig(root *config.Root) *Server {
	s.config = root
	return s
}

func (s *Server) WithLogger(log *logging.Logger) *Server {
	s.log = log
	return s
}

func (s *Server) WithRouter(router *http.ServeMux) *Server {
	s.router = router
	return s
}

func (s *Server) WithReady(fn func(context.Context) error) *Server {
	s.readyFn = fn
	return s
}

func (s *Server) Init() *Server {
	s.router.HandleFunc("GET /health", s.health)
	s.router.Handle("GET /metrics", promhttp.Handler())
	s.router.HandleFunc("POST /webhook/github", s.webhook)
	s.router.HandleFunc("GET /v1/reports", s.reports)
	s.router.HandleFunc("POST /v1/repos/{owner}/{name}/sync", s.sync)
	return s
}

// ListenAndServe blocks until ctx is canceled, then shuts the listener down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.readyFn(r.Context()); err != nil {
		errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{})
}

// webhook validates the GitHub push event signature and feeds the
// notification into the event detector. Redeliveries are dropped by their
// delivery id.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	secret, err := s.webhookSecret(r.Context())
	if err != nil {
		s.log.Warnf("Webhook secret unavailable: %v", err)
		errorResponse(w, http.StatusInternalServerError, errors.New("webhook not configured"))
		return
	}

	payload, err := github.ValidatePayload(r, secret)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, errors.New("invalid signature"))
		return
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err)
		return
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		// Other event types are acknowledged and ignored.
		jsonResponse(w, http.StatusOK, map[string]any{})
		return
	}

	ref, err := repos.ParseRef(push.GetRepo().GetFullName())
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err)
		return
	}

	if !s.coordinator.Managed(ref) {
		errorResponse(w, http.StatusNotFound, fmt.Errorf("repository %s is not managed", ref))
		return
	}

	s.coordinator.NotifyPush(ref, push.GetAfter(), github.DeliveryID(r))
	jsonResponse(w, http.StatusAccepted, map[string]any{})
}

// reports streams the workflow reports recorded at or after the "since" query
// parameter (RFC 3339, default: beginning of time).
func (s *Server) reports(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid since value: %w", err))
			return
		}
	}

	var result []repos.Report
	for report, err := range s.coordinator.ReportsSince(r.Context(), since) {
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, err)
			return
		}
		result = append(result, report)
	}

	jsonResponse(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	ref, err := repos.ParseRef(r.PathValue("owner") + "/" + r.PathValue("name"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err)
		return
	}

	if !s.coordinator.Managed(ref) {
		errorResponse(w, http.StatusNotFound, fmt.Errorf("repository %s is not managed", ref))
		return
	}

	if err := s.coordinator.Enqueue(ref); err != nil {
		errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	jsonResponse(w, http.StatusAccepted, map[string]any{})
}

func (s *Server) webhookSecret(ctx context.Context) ([]byte, error) {
	if s.config == nil || s.config.Service == nil || s.config.Service.WebhookSecret == nil {
		return nil, errors.New("no webhook secret configured")
	}

	value, err := s.config.Service.WebhookSecret.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	switch value := value.(type) {
	case config.SecretPAT:
		return []byte(value.Token), nil
	case config.SecretCollaboratorToken:
		return []byte(value.Password), nil
	default:
		return nil, fmt.Errorf("unsupported secret type '%T' for webhook secret", value)
	}
}

func jsonResponse(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func errorResponse(w http.ResponseWriter, code int, err error) {
	jsonResponse(w, code, map[string]any{"error": err.Error()})
}
