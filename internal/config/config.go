// Package config handles configuration for vaporroomd: defaults from
// spec.md, overlaid with environment variables, following the
// default-then-overlay layering used across the corpus.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime constant named in spec.md §4 and §6, plus the
// ambient knobs this expansion's observability/logging stack needs.
type Config struct {
	Port string
	Host string

	SessionTTL time.Duration

	MaxFileSizeBytes     int64
	MaxTotalBytes        int64
	MaxFilesPerSession   int
	MaxMessagesPerSession int
	MaxMessageLength     int

	ChunkSize                       int64
	MaxConcurrentUploadsPerSession  int
	StaleUploadThreshold            time.Duration
	UploadRetentionAfterComplete    time.Duration

	CleanupInterval    time.Duration
	WarningThreshold   float64
	CriticalThreshold  float64
	EmergencyEvictionN int

	RPCTimeout time.Duration

	Env         string
	MetricsAddr string
}

// LoadDefaults populates Config with the defaults spec.md specifies.
func (c *Config) LoadDefaults() {
	c.Port = "3000"
	c.Host = "0.0.0.0"

	c.SessionTTL = 5 * time.Hour

	c.MaxFileSizeBytes = 100 * 1024 * 1024 // 100 MiB
	c.MaxTotalBytes = 2 * 1024 * 1024 * 1024 // 2 GiB
	c.MaxFilesPerSession = 100
	c.MaxMessagesPerSession = 500
	c.MaxMessageLength = 10_000

	c.ChunkSize = 2 * 1024 * 1024 // 2 MiB, matches spec.md's S2 scenario
	c.MaxConcurrentUploadsPerSession = 5
	c.StaleUploadThreshold = 30 * time.Minute
	c.UploadRetentionAfterComplete = 60 * time.Second

	c.CleanupInterval = 5 * time.Minute
	c.WarningThreshold = 0.80
	c.CriticalThreshold = 0.95
	c.EmergencyEvictionN = 5

	c.RPCTimeout = 30 * time.Second

	c.Env = "development"
	c.MetricsAddr = ":9090"
}

// LoadConfig builds a Config from defaults overlaid with environment
// variables, loading an optional .env file first the way the teacher's
// entrypoint does.
func LoadConfig() *Config {
	_ = godotenv.Load()

	c := &Config{}
	c.LoadDefaults()

	overlayString(&c.Port, "PORT")
	overlayString(&c.Host, "HOST")
	overlayDuration(&c.SessionTTL, "SESSION_TTL_MS")
	overlayInt64(&c.MaxFileSizeBytes, "MAX_FILE_SIZE_BYTES")
	overlayInt64(&c.MaxTotalBytes, "MAX_TOTAL_BYTES")
	overlayInt(&c.MaxFilesPerSession, "MAX_FILES_PER_SESSION")
	overlayInt(&c.MaxMessagesPerSession, "MAX_MESSAGES_PER_SESSION")
	overlayInt(&c.MaxConcurrentUploadsPerSession, "MAX_CONCURRENT_UPLOADS_PER_SESSION")
	overlayDuration(&c.StaleUploadThreshold, "STALE_UPLOAD_THRESHOLD_MS")
	overlayDuration(&c.CleanupInterval, "CLEANUP_INTERVAL_MS")
	overlayDuration(&c.RPCTimeout, "RPC_TIMEOUT_MS")
	overlayFloat(&c.WarningThreshold, "WARNING_THRESHOLD")
	overlayFloat(&c.CriticalThreshold, "CRITICAL_THRESHOLD")
	overlayString(&c.Env, "ENV")
	overlayString(&c.MetricsAddr, "METRICS_ADDR")

	return c
}

func overlayString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overlayInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overlayInt64(dst *int64, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func overlayFloat(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// overlayDuration reads a millisecond count from env, per spec.md's
// "*_MS" naming convention.
func overlayDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
