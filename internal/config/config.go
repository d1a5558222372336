// Package config provides configuration management for the veil agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".veil"

	// Environment variable names
	EnvPort       = "VEIL_PORT"
	EnvLogLevel   = "VEIL_LOG_LEVEL"
	EnvDataDir    = "VEIL_DATA_DIR"
	EnvOwnerToken = "VEIL_OWNER_TOKEN"

	// Detector environment variable names
	EnvCascadePath = "VEIL_CASCADE_PATH"
	EnvFFmpegPath  = "VEIL_FFMPEG_PATH"
	EnvFFprobePath = "VEIL_FFPROBE_PATH"

	// Database filename
	DBFilename = "veil.db"

	// Cascade filename looked up under the data dir when no path is set
	CascadeFilename = "facefinder"

	// Detector defaults
	DefaultWorkingWidth  = 640
	DefaultMinFaceSize   = 20
	DefaultMinConfidence = 0.5
	DefaultNMSThreshold  = 0.3

	// Renderer defaults
	DefaultMarginFactor = 0.18
	DefaultSigmaDivisor = 6.0
	DefaultSigmaFloor   = 6.0

	// Pipeline defaults
	DefaultRequestTimeout      = 300 // seconds
	DefaultMaxConcurrentVideos = 2
	DefaultMaxVideoSeconds     = 30
	DefaultMaxVideoBytes       = 100 * 1024 * 1024
	DefaultMaxImageBytes       = 10 * 1024 * 1024
	DefaultCooldownSeconds     = 30
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	WorkspaceRoot() string
	OwnerToken() string

	CascadePath() string
	FFmpegPath() string
	FFprobePath() string

	WorkingWidth() int
	MinFaceSize() int
	MinConfidence() float64
	NMSThreshold() float64

	MarginFactor() float64
	SigmaDivisor() float64
	SigmaFloor() float64

	RequestTimeout() time.Duration
	MaxConcurrentVideos() int
	MaxVideoDuration() time.Duration
	MaxVideoBytes() int64
	MaxImageBytes() int64
	Cooldown() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port       int
	logLevel   string
	dataDir    string
	ownerToken string

	cascadePath string
	ffmpegPath  string
	ffprobePath string

	workingWidth  int
	minFaceSize   int
	minConfidence float64
	nmsThreshold  float64

	marginFactor float64
	sigmaDivisor float64
	sigmaFloor   float64

	requestTimeoutS     int
	maxConcurrentVideos int
	maxVideoSeconds     int
	maxVideoBytes       int64
	maxImageBytes       int64
	cooldownSeconds     int
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:                DefaultPort,
		logLevel:            DefaultLogLevel,
		dataDir:             defaultDataDir(),
		workingWidth:        DefaultWorkingWidth,
		minFaceSize:         DefaultMinFaceSize,
		minConfidence:       DefaultMinConfidence,
		nmsThreshold:        DefaultNMSThreshold,
		marginFactor:        DefaultMarginFactor,
		sigmaDivisor:        DefaultSigmaDivisor,
		sigmaFloor:          DefaultSigmaFloor,
		requestTimeoutS:     DefaultRequestTimeout,
		maxConcurrentVideos: DefaultMaxConcurrentVideos,
		maxVideoSeconds:     DefaultMaxVideoSeconds,
		maxVideoBytes:       DefaultMaxVideoBytes,
		maxImageBytes:       DefaultMaxImageBytes,
		cooldownSeconds:     DefaultCooldownSeconds,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.ownerToken = os.Getenv(EnvOwnerToken)
	cfg.cascadePath = os.Getenv(EnvCascadePath)
	cfg.ffmpegPath = os.Getenv(EnvFFmpegPath)
	cfg.ffprobePath = os.Getenv(EnvFFprobePath)

	var err error
	if cfg.workingWidth, err = intEnv("VEIL_WORKING_WIDTH", cfg.workingWidth); err != nil {
		return nil, err
	}
	if cfg.minFaceSize, err = intEnv("VEIL_MIN_FACE_SIZE", cfg.minFaceSize); err != nil {
		return nil, err
	}
	if cfg.minConfidence, err = floatEnv("VEIL_MIN_CONFIDENCE", cfg.minConfidence); err != nil {
		return nil, err
	}
	if cfg.nmsThreshold, err = floatEnv("VEIL_NMS_THRESHOLD", cfg.nmsThreshold); err != nil {
		return nil, err
	}
	if cfg.marginFactor, err = floatEnv("VEIL_MARGIN_FACTOR", cfg.marginFactor); err != nil {
		return nil, err
	}
	if cfg.sigmaDivisor, err = floatEnv("VEIL_SIGMA_DIVISOR", cfg.sigmaDivisor); err != nil {
		return nil, err
	}
	if cfg.sigmaFloor, err = floatEnv("VEIL_SIGMA_FLOOR", cfg.sigmaFloor); err != nil {
		return nil, err
	}
	if cfg.requestTimeoutS, err = intEnv("VEIL_REQUEST_TIMEOUT_S", cfg.requestTimeoutS); err != nil {
		return nil, err
	}
	if cfg.maxConcurrentVideos, err = intEnv("VEIL_MAX_CONCURRENT_VIDEOS", cfg.maxConcurrentVideos); err != nil {
		return nil, err
	}
	if cfg.maxVideoSeconds, err = intEnv("VEIL_MAX_VIDEO_SECONDS", cfg.maxVideoSeconds); err != nil {
		return nil, err
	}
	if cfg.maxVideoBytes, err = int64Env("VEIL_MAX_VIDEO_BYTES", cfg.maxVideoBytes); err != nil {
		return nil, err
	}
	if cfg.maxImageBytes, err = int64Env("VEIL_MAX_IMAGE_BYTES", cfg.maxImageBytes); err != nil {
		return nil, err
	}
	if cfg.cooldownSeconds, err = intEnv("VEIL_COOLDOWN_SECONDS", cfg.cooldownSeconds); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *EnvConfig) error {
	if cfg.minConfidence < 0 || cfg.minConfidence > 1 {
		return fmt.Errorf("VEIL_MIN_CONFIDENCE must be in [0,1], got %v", cfg.minConfidence)
	}
	if cfg.nmsThreshold <= 0 || cfg.nmsThreshold > 1 {
		return fmt.Errorf("VEIL_NMS_THRESHOLD must be in (0,1], got %v", cfg.nmsThreshold)
	}
	if cfg.marginFactor < 0 {
		return fmt.Errorf("VEIL_MARGIN_FACTOR must not be negative, got %v", cfg.marginFactor)
	}
	if cfg.maxConcurrentVideos < 1 {
		return fmt.Errorf("VEIL_MAX_CONCURRENT_VIDEOS must be at least 1, got %d", cfg.maxConcurrentVideos)
	}
	if cfg.requestTimeoutS < 1 {
		return fmt.Errorf("VEIL_REQUEST_TIMEOUT_S must be at least 1, got %d", cfg.requestTimeoutS)
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func int64Env(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// WorkspaceRoot returns the directory under which per-request workspaces live
func (c *EnvConfig) WorkspaceRoot() string {
	return filepath.Join(c.dataDir, "workspaces")
}

// OwnerToken returns the bearer token that grants admin access.
// Empty means admin endpoints are disabled.
func (c *EnvConfig) OwnerToken() string {
	return c.ownerToken
}

// CascadePath returns the path to the face detection cascade file
func (c *EnvConfig) CascadePath() string {
	if c.cascadePath != "" {
		return c.cascadePath
	}
	return filepath.Join(c.dataDir, CascadeFilename)
}

// FFmpegPath returns the configured ffmpeg binary; empty means PATH lookup
func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

// FFprobePath returns the configured ffprobe binary; empty means PATH lookup
func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) WorkingWidth() int {
	return c.workingWidth
}

func (c *EnvConfig) MinFaceSize() int {
	return c.minFaceSize
}

func (c *EnvConfig) MinConfidence() float64 {
	return c.minConfidence
}

func (c *EnvConfig) NMSThreshold() float64 {
	return c.nmsThreshold
}

func (c *EnvConfig) MarginFactor() float64 {
	return c.marginFactor
}

func (c *EnvConfig) SigmaDivisor() float64 {
	return c.sigmaDivisor
}

func (c *EnvConfig) SigmaFloor() float64 {
	return c.sigmaFloor
}

func (c *EnvConfig) RequestTimeout() time.Duration {
	return time.Duration(c.requestTimeoutS) * time.Second
}

func (c *EnvConfig) MaxConcurrentVideos() int {
	return c.maxConcurrentVideos
}

func (c *EnvConfig) MaxVideoDuration() time.Duration {
	return time.Duration(c.maxVideoSeconds) * time.Second
}

func (c *EnvConfig) MaxVideoBytes() int64 {
	return c.maxVideoBytes
}

func (c *EnvConfig) MaxImageBytes() int64 {
	return c.maxImageBytes
}

func (c *EnvConfig) Cooldown() time.Duration {
	return time.Duration(c.cooldownSeconds) * time.Second
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
