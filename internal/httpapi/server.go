// Package httpapi exposes the session manager over HTTP: session
// lifecycle, command execution with optional SSE streaming, listener
// control, and verified file transfer.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foothold-sh/foothold/internal/config"
	"github.com/foothold-sh/foothold/internal/creds"
	"github.com/foothold-sh/foothold/internal/runner"
	"github.com/foothold-sh/foothold/internal/session"
	"github.com/foothold-sh/foothold/internal/transfer"
	"github.com/foothold-sh/foothold/internal/transport"
)

// Server wires the manager, local runner, and credential store into an
// HTTP handler.
type Server struct {
	cfg     *config.Config
	manager *session.Manager
	runner  *runner.Runner
	creds   *creds.Store
	logger  *slog.Logger
}

// New builds the API server. creds may be nil when the host has no
// usable keyring.
func New(cfg *config.Config, manager *session.Manager, run *runner.Runner, store *creds.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		runner:  run,
		creds:   store,
		logger:  logger,
	}
}

// Router returns the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/command", s.handleLocalCommand)

		r.Post("/ssh/session/start", s.handleSSHStart)
		r.Post("/listener/start", s.handleListenerStart)

		r.Get("/sessions", s.handleSessionList)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleSessionGet)
			r.Post("/command", s.handleSessionCommand)
			r.Post("/stop", s.handleSessionStop)
			r.Post("/trigger", s.handleTrigger)
			r.Get("/trigger", s.handleTriggerStatus)
			r.Post("/upload", s.handleUpload)
			r.Post("/download", s.handleDownload)
		})

		r.Post("/transfer/estimate", s.handleTransferEstimate)

		r.Post("/credentials", s.handleCredentialSet)
		r.Delete("/credentials", s.handleCredentialDelete)
	})

	return r
}

// statusFor maps the error taxonomy onto distinct HTTP statuses, so
// clients can branch on class without parsing messages.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, transport.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, transport.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrExists):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrIntegrity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
