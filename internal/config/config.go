package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
)

// Config holds the process-wide configuration. Account mappings live in the
// accounts file and are read through a Provider.
type Config struct {
	DatabasePath  string
	AccountsFile  string
	ListenAddr    string // Address for the status API (e.g., ":8080")
	LogLevel      string
	CheckInterval time.Duration // default interval between routine checks
	// TaskTimeout bounds an incremental check, BackfillTimeout a historical import.
	TaskTimeout     time.Duration
	BackfillTimeout time.Duration
	// PaceIncremental and PaceBackfill are the delays between posted items.
	PaceIncremental   time.Duration
	PaceBackfill      time.Duration
	FetchLimit        int // items fetched per routine check
	PostGraphemeLimit int
	MaxImageBytes     int64
	MaxVideoBytes     int64
	MaxVideoDuration  time.Duration
	BlueskyPDS        string
	// BlueskyVideoService is the host that transcodes uploaded videos.
	BlueskyVideoService        string
	DefaultLanguage            string
	DestinationWritesPerMinute int
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load() // Ignore error if .env file doesn't exist

	return &Config{
		DatabasePath:               getEnv("DATABASE_PATH", "tweets2bsky.db"),
		AccountsFile:               getEnv("ACCOUNTS_FILE", "accounts.yaml"),
		ListenAddr:                 getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		CheckInterval:              time.Duration(getInt("CHECK_INTERVAL_MINUTES", 5)) * time.Minute,
		TaskTimeout:                getDuration("TASK_TIMEOUT", 10*time.Minute),
		BackfillTimeout:            getDuration("BACKFILL_TIMEOUT", 60*time.Minute),
		PaceIncremental:            getDuration("PACE_INCREMENTAL", 5*time.Second),
		PaceBackfill:               getDuration("PACE_BACKFILL", 15*time.Second),
		FetchLimit:                 getInt("FETCH_LIMIT", 20),
		PostGraphemeLimit:          getInt("POST_GRAPHEME_LIMIT", 300),
		MaxImageBytes:              int64(getInt("MAX_IMAGE_BYTES", 1_000_000)),
		MaxVideoBytes:              int64(getInt("MAX_VIDEO_BYTES", 100*1024*1024)),
		MaxVideoDuration:           getDuration("MAX_VIDEO_DURATION", 180*time.Second),
		BlueskyPDS:                 getEnv("BLUESKY_PDS", "https://bsky.social"),
		BlueskyVideoService:        getEnv("BLUESKY_VIDEO_SERVICE", "https://video.bsky.app"),
		DefaultLanguage:            getEnv("DEFAULT_LANGUAGE", "en"),
		DestinationWritesPerMinute: getInt("DESTINATION_WRITES_PER_MINUTE", 30),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		logging.Warn("Invalid %s '%s', using default %d: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		logging.Warn("Invalid %s '%s', using default %s: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}
