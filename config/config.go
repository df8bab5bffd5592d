package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the client core configuration.
type Config struct {
	// Remote catalog (document store) API.
	CatalogBaseURL string // Empty means "not configured"; stream URLs then come straight from the object store.
	CatalogToken   string // Opaque bearer token forwarded as-is.

	// Object store.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// Local device storage.
	DataDir   string // Base directory for everything this client persists.
	CacheDir  string // Downloaded audio files: DataDir/cache
	StatePath string // bbolt device store: DataDir/state.db
	LogPath   string // Rotated log file, empty disables the file sink.

	// Control surface.
	ListenAddr string

	// Transfer and playback tuning.
	UploadConcurrency int           // Worker pool width for batch uploads.
	MaxUploadSize     int64         // Per-file upload ceiling in bytes.
	StreamURLTTL      time.Duration // Lifetime of presigned stream URLs.
	SaveInterval      time.Duration // Periodic progress save tick while playing.
	SaveThreshold     float64       // Minimum position delta (seconds) before a save transmits.
	RecoveryWindow    time.Duration // Max age of a crash-recovery record worth flushing.
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	dataDir := getEnv("SHELF_DATA_DIR", "data")

	return &Config{
		CatalogBaseURL: getEnv("SHELF_CATALOG_URL", ""),
		CatalogToken:   os.Getenv("SHELF_CATALOG_TOKEN"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "shelfstream"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		DataDir:   dataDir,
		CacheDir:  filepath.Join(dataDir, "cache"),
		StatePath: filepath.Join(dataDir, "state.db"),
		LogPath:   getEnv("SHELF_LOG_PATH", ""),

		ListenAddr: getEnv("SHELF_LISTEN_ADDR", ":8090"),

		UploadConcurrency: getEnvInt("SHELF_UPLOAD_CONCURRENCY", 3),
		MaxUploadSize:     int64(getEnvInt("SHELF_MAX_UPLOAD_MB", 512)) * 1024 * 1024,
		StreamURLTTL:      time.Duration(getEnvInt("SHELF_STREAM_URL_TTL_SECONDS", 900)) * time.Second,
		SaveInterval:      time.Duration(getEnvInt("SHELF_SAVE_INTERVAL_SECONDS", 10)) * time.Second,
		SaveThreshold:     float64(getEnvInt("SHELF_SAVE_THRESHOLD_SECONDS", 1)),
		RecoveryWindow:    time.Duration(getEnvInt("SHELF_RECOVERY_WINDOW_SECONDS", 300)) * time.Second,
	}
}
