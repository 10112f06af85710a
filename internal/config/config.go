package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"

	"clipstream/internal/replay"
)

const envPrefix = "CLIPSTREAM_"

type Config struct {
	Recording RecordingConfig `json:"recording"`
	Capture   CaptureConfig   `json:"capture"`
	Replay    ReplayConfig    `json:"replay"`
	FFmpeg    FFmpegConfig    `json:"ffmpeg"`
	Log       LogConfig       `json:"log"`
}

type RecordingConfig struct {
	OutputDir        string        `json:"output_dir"`
	MaxStorageMB     uint64        `json:"max_storage_mb"`
	AutoCleanup      bool          `json:"auto_cleanup"`
	CleanupThreshold int           `json:"cleanup_threshold"` // volume usage percent
	Preset           string        `json:"preset"`
	GameName         string        `json:"game_name"`
	StatusInterval   time.Duration `json:"status_interval"`
}

type CaptureConfig struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	FPS        int `json:"fps"`
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

type ReplayConfig struct {
	Seconds  uint32 `json:"seconds"`
	MemoryMB uint32 `json:"memory_mb"`
}

type FFmpegConfig struct {
	Path      string `json:"path"`
	ProbePath string `json:"probe_path"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads the configuration from environment variables and the .env file.
func Load() (*Config, error) {
	config := &Config{}

	if err := config.loadRecordingConfig(); err != nil {
		return nil, fmt.Errorf("failed to load recording config: %w", err)
	}

	if err := config.loadCaptureConfig(); err != nil {
		return nil, fmt.Errorf("failed to load capture config: %w", err)
	}

	if err := config.loadReplayConfig(); err != nil {
		return nil, fmt.Errorf("failed to load replay config: %w", err)
	}

	config.FFmpeg = FFmpegConfig{
		Path:      getEnv("FFMPEG_PATH", "ffmpeg"),
		ProbePath: getEnv("FFPROBE_PATH", "ffprobe"),
	}
	config.Log = LogConfig{
		Level:  getEnv("LOG_LEVEL", "INFO"),
		Format: getEnv("LOG_FORMAT", "text"),
	}

	return config, nil
}

func (c *Config) loadRecordingConfig() error {
	maxStorage, err := getUint64Env("MAX_STORAGE_MB", 10000)
	if err != nil {
		return err
	}
	autoCleanup, err := getBoolEnv("AUTO_CLEANUP", false)
	if err != nil {
		return err
	}

	c.Recording = RecordingConfig{
		OutputDir:        getEnv("OUTPUT_DIR", "recordings"),
		MaxStorageMB:     maxStorage,
		AutoCleanup:      autoCleanup,
		CleanupThreshold: getIntEnv("CLEANUP_THRESHOLD", 90),
		Preset:           getEnv("PRESET", "balanced"),
		GameName:         getEnv("GAME_NAME", ""),
		StatusInterval:   getDurationEnv("STATUS_INTERVAL", 500*time.Millisecond),
	}
	return nil
}

func (c *Config) loadCaptureConfig() error {
	c.Capture = CaptureConfig{
		Width:      getIntEnv("CAPTURE_WIDTH", 1920),
		Height:     getIntEnv("CAPTURE_HEIGHT", 1080),
		FPS:        getIntEnv("CAPTURE_FPS", 60),
		SampleRate: getIntEnv("CAPTURE_SAMPLE_RATE", 48000),
		Channels:   getIntEnv("CAPTURE_CHANNELS", 2),
	}
	return nil
}

func (c *Config) loadReplayConfig() error {
	seconds, err := getUint32Env("REPLAY_SECONDS", 30)
	if err != nil {
		return err
	}
	memory, err := getUint32Env("REPLAY_MEMORY_MB", 500)
	if err != nil {
		return err
	}

	c.Replay = ReplayConfig{
		Seconds:  seconds,
		MemoryMB: memory,
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getUint64Env(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	return parsed, nil
}

// getUint32Env rejects values that do not fit in 32 bits instead of
// truncating them.
func getUint32Env(key string, defaultValue uint32) (uint32, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	return uint32(parsed), nil
}

func getBoolEnv(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	return parsed, nil
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.Recording.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.Recording.MaxStorageMB == 0 {
		return fmt.Errorf("max storage must be positive")
	}
	if c.Recording.CleanupThreshold <= 0 || c.Recording.CleanupThreshold > 100 {
		return fmt.Errorf("invalid cleanup threshold: %d", c.Recording.CleanupThreshold)
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("invalid capture size: %dx%d", c.Capture.Width, c.Capture.Height)
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 240 {
		return fmt.Errorf("invalid capture fps: %d", c.Capture.FPS)
	}
	if c.Capture.SampleRate <= 0 || c.Capture.Channels <= 0 {
		return fmt.Errorf("invalid audio format: %d Hz, %d channels", c.Capture.SampleRate, c.Capture.Channels)
	}
	if c.Recording.StatusInterval <= 0 {
		return fmt.Errorf("status interval must be positive")
	}
	if c.Replay.Seconds == 0 || c.Replay.Seconds > replay.MaxDurationSeconds {
		return fmt.Errorf("invalid replay length: %ds, must be 1-%d", c.Replay.Seconds, replay.MaxDurationSeconds)
	}
	return nil
}
