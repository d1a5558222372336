package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ktbr/veil/internal/pipeline"
	"github.com/ktbr/veil/internal/store"
)

// Anonymizer is the pipeline surface the HTTP layer needs.
type Anonymizer interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Cancel(id string) bool
	ActiveCount() int
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	OwnerToken string
	// IdentitySecret keys the HMAC that turns bearer tokens into the
	// stored requester identity.
	IdentitySecret []byte
	Repository     store.Repository
	Service        Anonymizer
	Logger         *slog.Logger

	// SpoolDir receives uploads before they enter the pipeline.
	SpoolDir string
	// MaxUploadBytes caps the request body; per-kind limits are
	// enforced inside the pipeline after classification.
	MaxUploadBytes int64
	Cooldown       time.Duration

	StartTime time.Time
	Version   string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:     router,
			ReadTimeout: 0, // uploads can be slow
			IdleTimeout: 60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
