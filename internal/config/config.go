package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API, the job runner and the
// retention sweeper.
type Config struct {
	Port string

	AuthToken string

	DatabaseURL string

	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RedisProgressChannel string

	UploadsDir  string
	OutputsDir  string
	MaxUploadMB int

	FFmpegPath        string
	FFprobePath       string
	MaxConcurrentJobs int

	RetentionEnabled     bool
	RetentionSchedule    string
	RetentionMaxAgeHours int

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	WSWriteTimeoutMS        int
	HTTPWriteTimeoutSeconds int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		RedisProgressChannel: getEnv("REDIS_PROGRESS_CHANNEL", "media_job_progress"),

		UploadsDir:  getEnv("UPLOADS_DIR", "data/uploads"),
		OutputsDir:  getEnv("OUTPUTS_DIR", "data/outputs"),
		MaxUploadMB: getEnvInt("MAX_UPLOAD_MB", 512),

		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 0),

		RetentionEnabled:     getEnvBool("RETENTION_ENABLED", true),
		RetentionSchedule:    getEnv("RETENTION_SCHEDULE", "@daily"),
		RetentionMaxAgeHours: getEnvInt("RETENTION_MAX_AGE_HOURS", 168),

		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		WSWriteTimeoutMS:        getEnvInt("WS_WRITE_TIMEOUT_MS", 5000),
		HTTPWriteTimeoutSeconds: getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60),
	}
}

func (c Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.RetentionMaxAgeHours) * time.Hour
}

func (c Config) WSWriteTimeout() time.Duration {
	return time.Duration(c.WSWriteTimeoutMS) * time.Millisecond
}

func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
