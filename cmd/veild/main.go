package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ktbr/veil/internal/api"
	"github.com/ktbr/veil/internal/blur"
	"github.com/ktbr/veil/internal/config"
	"github.com/ktbr/veil/internal/db"
	"github.com/ktbr/veil/internal/detect"
	"github.com/ktbr/veil/internal/ffmpeg"
	"github.com/ktbr/veil/internal/logging"
	"github.com/ktbr/veil/internal/media"
	"github.com/ktbr/veil/internal/pipeline"
	"github.com/ktbr/veil/internal/store"
	"github.com/ktbr/veil/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	spoolDir := filepath.Join(cfg.DataDir(), "spool")
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting veil", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := store.NewRepository(database.Conn())

	ownerToken := cfg.OwnerToken()
	if ownerToken == "" {
		ownerToken, err = ensureSecret(repo, "owner_token")
		if err != nil {
			return fmt.Errorf("failed to ensure owner token: %w", err)
		}
	}
	logger.Info("owner token ready", "token", logging.SanitizeToken(ownerToken))

	identitySecret, err := ensureSecret(repo, "identity_secret")
	if err != nil {
		return fmt.Errorf("failed to ensure identity secret: %w", err)
	}

	detector, err := detect.New(cfg.CascadePath(), detect.Options{
		WorkingWidth:  cfg.WorkingWidth(),
		MinFaceSize:   cfg.MinFaceSize(),
		MinConfidence: cfg.MinConfidence(),
		NMSThreshold:  cfg.NMSThreshold(),
	})
	if err != nil {
		return fmt.Errorf("face detector unavailable: %w", err)
	}

	renderer := blur.New(blur.Options{
		MarginFactor: cfg.MarginFactor(),
		SigmaDivisor: cfg.SigmaDivisor(),
		SigmaFloor:   cfg.SigmaFloor(),
	})

	transcoder, err := ffmpeg.New(cfg.FFmpegPath(), cfg.FFprobePath(), logger)
	if err != nil {
		return fmt.Errorf("transcoder unavailable: %w", err)
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot())
	if err != nil {
		return fmt.Errorf("failed to prepare workspaces: %w", err)
	}

	svc, err := pipeline.NewService(pipeline.Config{
		Classifier:          pipeline.ClassifierFunc(media.Classify),
		Detector:            detector,
		Renderer:            renderer,
		Transcoder:          pipeline.NewFFmpegTranscoder(transcoder),
		Workspaces:          workspaces,
		Repo:                repo,
		Logger:              logger,
		OutputDir:           filepath.Join(cfg.DataDir(), "outputs"),
		RequestTimeout:      cfg.RequestTimeout(),
		MaxConcurrentVideos: cfg.MaxConcurrentVideos(),
		MaxVideoDuration:    cfg.MaxVideoDuration(),
		MaxImageBytes:       cfg.MaxImageBytes(),
		MaxVideoBytes:       cfg.MaxVideoBytes(),
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		OwnerToken:     ownerToken,
		IdentitySecret: []byte(identitySecret),
		Repository:     repo,
		Service:        svc,
		Logger:         logger,
		SpoolDir:       spoolDir,
		MaxUploadBytes: cfg.MaxVideoBytes(),
		Cooldown:       cfg.Cooldown(),
		StartTime:      startTime,
		Version:        config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// ensureSecret returns the persisted secret under key, generating and
// storing a fresh one on first run.
func ensureSecret(repo store.Repository, key string) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(secretBytes)

	if err := repo.SetConfig(ctx, key, secret); err != nil {
		return "", err
	}

	return secret, nil
}
