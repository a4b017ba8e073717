// Package server exposes the local control API of the updater.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"otaupdater/internal/checker"
	"otaupdater/internal/model"
	"otaupdater/internal/notify"
	"otaupdater/internal/service"
	"otaupdater/internal/system"
)

// UpdateSource is the read and delete surface of the controller.
type UpdateSource interface {
	Updates() []model.Update
	Update(id string) (model.Update, bool)
	DeleteUpdate(id string) bool
	IsDownloading(id string) bool
	IsVerifyingUpdate(id string) bool
	IsInstallingUpdate(id string) bool
	IsWaitingForReboot(id string) bool
}

// Control runs download and install requests.
type Control interface {
	DownloadControl(id string, action service.DownloadAction) error
	InstallUpdate(id string) error
	StopInstall() error
	SuspendInstall() error
	ResumeInstall() error
}

// UpdateChecker runs on-demand update checks.
type UpdateChecker interface {
	CheckNow(ctx context.Context) (checker.Result, error)
}

// Options configures a Server.
type Options struct {
	ListenAddr     string
	Updates        UpdateSource
	Control        Control
	Checker        UpdateChecker
	Events         *notify.Broadcaster
	DownloadDir    string
	BuildVersion   string
	BuildTimestamp int64

	// Snapshot defaults to system.GetSnapshot.
	Snapshot func(dir string) (*system.Snapshot, error)
}

// Server represents the HTTP server
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// New creates a new server instance
func New(opts Options) (*Server, error) {
	if opts.Updates == nil || opts.Control == nil || opts.Events == nil {
		return nil, errors.New("server requires updates, control and events")
	}
	if opts.Snapshot == nil {
		opts.Snapshot = system.GetSnapshot
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/updates", s.handleListUpdates)
	s.mux.HandleFunc("GET /api/updates/{id}", s.handleGetUpdate)
	s.mux.HandleFunc("DELETE /api/updates/{id}", s.handleDeleteUpdate)
	s.mux.HandleFunc("POST /api/updates/{id}/{action}", s.handleUpdateAction)

	s.mux.HandleFunc("POST /api/install/{action}", s.handleInstallAction)
	s.mux.HandleFunc("POST /api/check", s.handleCheck)

	s.mux.HandleFunc("GET /api/system", s.handleSystem)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns the API with request logging.
func (s *Server) Handler() http.Handler {
	return requestLogger(s.mux)
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.opts.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8642"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control API stopped: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down control API: %w", err)
		}
		return nil
	}
}
