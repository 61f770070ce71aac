package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverJSON   = "json"
	StoreDriverSQLite = "sqlite"
)

type Config struct {
	Port                  string
	BaseURL               string
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAIModelTranscribe string
	OpenAIModelStructure  string
	TranscriptionLanguage string
	TranscribeTimeout     time.Duration
	MaxUploadBytes        int64
	UploadTokenTTL        time.Duration
	AuthSecret            string
	AuthTokenTTL          time.Duration
	DataDir               string
	StoreDriver           string
	SQLitePath            string
}

// BlobBaseURL is the public prefix under which uploaded audio is served.
func (c Config) BlobBaseURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/blobs/"
}

func LoadConfig() (Config, error) {
	cfg := Config{}

	cfg.Port = envOrDefault("PORT", "8080")
	cfg.BaseURL = envOrDefault("BASE_URL", fmt.Sprintf("http://localhost:%s", cfg.Port))

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = strings.TrimRight(envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/")
	cfg.OpenAIModelTranscribe = envOrDefault("OPENAI_MODEL_TRANSCRIBE", "whisper-1")
	cfg.OpenAIModelStructure = envOrDefault("OPENAI_MODEL_STRUCTURE", "gpt-4o-mini")
	cfg.TranscriptionLanguage = envOrDefault("TRANSCRIPTION_LANGUAGE", "no")

	cfg.AuthSecret = envOrDefault("AUTH_SECRET", "change-me")
	cfg.DataDir = envOrDefault("DATA_DIR", "data")
	cfg.StoreDriver = strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverJSON))
	if cfg.StoreDriver != StoreDriverJSON && cfg.StoreDriver != StoreDriverSQLite {
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	transcribeSeconds, err := parseIntEnv("TRANSCRIBE_TIMEOUT_SECONDS", 600)
	if err != nil {
		return Config{}, fmt.Errorf("parse TRANSCRIBE_TIMEOUT_SECONDS: %w", err)
	}
	cfg.TranscribeTimeout = time.Duration(transcribeSeconds) * time.Second

	maxUploadMB, err := parseIntEnv("MAX_UPLOAD_MB", 50)
	if err != nil {
		return Config{}, fmt.Errorf("parse MAX_UPLOAD_MB: %w", err)
	}
	cfg.MaxUploadBytes = maxUploadMB * 1024 * 1024

	uploadTTLSeconds, err := parseIntEnv("UPLOAD_TOKEN_TTL_SECONDS", 600)
	if err != nil {
		return Config{}, fmt.Errorf("parse UPLOAD_TOKEN_TTL_SECONDS: %w", err)
	}
	cfg.UploadTokenTTL = time.Duration(uploadTTLSeconds) * time.Second

	authTTLSeconds, err := parseIntEnv("AUTH_TOKEN_TTL_SECONDS", 30*24*3600)
	if err != nil {
		return Config{}, fmt.Errorf("parse AUTH_TOKEN_TTL_SECONDS: %w", err)
	}
	cfg.AuthTokenTTL = time.Duration(authTTLSeconds) * time.Second

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = absDataDir
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", filepath.Join(cfg.DataDir, "sessions.sqlite"))

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func parseIntEnv(key string, fallback int64) (int64, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}

	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if num < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return num, nil
}
