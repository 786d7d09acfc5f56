package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/invoice-poster/internal/intake"
	"github.com/zombor/invoice-poster/internal/report"
	"github.com/zombor/invoice-poster/internal/store"
)

// Intake is the attachment service behind the API
type Intake interface {
	ProcessUpload(ctx context.Context, name string, data []byte, contentType string) (*store.Attachment, error)
	ProcessPayload(ctx context.Context, name, payload string) (*store.Attachment, error)
	ListAttachments() ([]*store.Attachment, error)
	GetAttachment(id string) (*store.Attachment, error)
	GetAttachmentFile(ctx context.Context, id string) ([]byte, string, error)
	DeleteAttachment(ctx context.Context, id string) error
}

// InboxRunner processes the configured inbox on demand
type InboxRunner interface {
	RunInbox(ctx context.Context) (intake.Batch, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Config holds the collaborators of a Server
type Config struct {
	Intake     Intake
	Inbox      InboxRunner
	Report     report.Source
	ReportDays int
	Auth       BasicAuth
}

// Server handles HTTP requests for invoice intake
type Server struct {
	intake     Intake
	inbox      InboxRunner
	report     report.Source
	reportDays int
	basicAuth  BasicAuth
	timeSource TimeSource
	mux        *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(cfg Config) *Server {
	return NewServerWithDeps(cfg, http.NewServeMux(), &defaultTimeSource{})
}

// NewServerWithDeps creates a new Server with a custom mux and clock for testing
func NewServerWithDeps(cfg Config, mux *http.ServeMux, timeSrc TimeSource) *Server {
	if cfg.ReportDays < 1 {
		cfg.ReportDays = 1
	}
	s := &Server{
		intake:     cfg.Intake,
		inbox:      cfg.Inbox,
		report:     cfg.Report,
		reportDays: cfg.ReportDays,
		basicAuth:  cfg.Auth,
		timeSource: timeSrc,
		mux:        mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Poster"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/attachments/{id}/file", s.requireAuth(s.handleGetAttachmentFile))
	s.mux.HandleFunc("GET /api/attachments/{id}", s.requireAuth(s.handleGetAttachment))
	s.mux.HandleFunc("DELETE /api/attachments/{id}", s.requireAuth(s.handleDeleteAttachment))
	s.mux.HandleFunc("GET /api/attachments", s.requireAuth(s.handleListAttachments))

	s.mux.HandleFunc("POST /api/scans", s.requireAuth(s.handleCreateScan))
	s.mux.HandleFunc("POST /api/runs", s.requireAuth(s.handleRunInbox))
	s.mux.HandleFunc("GET /api/report", s.requireAuth(s.handleReport))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("Stopping server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
