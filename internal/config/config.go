package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey     string
	GeminiModel      string
	AssemblyAIAPIKey string
	DatabaseURL      string
	HTTPPort         string
	LogLevel         string
	JWTSecret        string
	TokenTTL         time.Duration
	AllowedOrigins   []string

	MaxQueryLength    int
	MaxResponseLength int
	MaxAudioBytes     int64

	GenerationTimeout    time.Duration
	TranscriptionTimeout time.Duration
	ScratchDir           string

	EventsPerSecond    float64
	EventBurst         int
	MaxInflightPerConn int
}

var AppConfig Config

// LoadConfig reads .env (when present) and the environment into AppConfig.
func LoadConfig() error {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := Config{
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		AssemblyAIAPIKey:     getEnv("ASSEMBLYAI_API_KEY", ""),
		DatabaseURL:          getEnv("DATABASE_URL", "chat.db"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		LogLevel:             strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		TokenTTL:             getEnvAsDuration("TOKEN_TTL", time.Hour),
		AllowedOrigins:       getEnvAsList("ALLOWED_ORIGINS"),
		MaxQueryLength:       getEnvAsInt("MAX_QUERY_LENGTH", 5000),
		MaxResponseLength:    getEnvAsInt("MAX_RESPONSE_LENGTH", 20000),
		MaxAudioBytes:        int64(getEnvAsInt("MAX_AUDIO_BYTES", 10<<20)),
		GenerationTimeout:    getEnvAsDuration("GENERATION_TIMEOUT", 60*time.Second),
		TranscriptionTimeout: getEnvAsDuration("TRANSCRIPTION_TIMEOUT", 120*time.Second),
		ScratchDir:           getEnv("SCRATCH_DIR", os.TempDir()),
		EventsPerSecond:      getEnvAsFloat("EVENTS_PER_SECOND", 5),
		EventBurst:           getEnvAsInt("EVENT_BURST", 10),
		MaxInflightPerConn:   getEnvAsInt("MAX_INFLIGHT_PER_CONN", 4),
	}

	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.MaxQueryLength <= 0 || cfg.MaxResponseLength <= 0 || cfg.MaxAudioBytes <= 0 {
		return fmt.Errorf("length limits must be positive")
	}
	if cfg.GenerationTimeout <= 0 || cfg.TranscriptionTimeout <= 0 {
		return fmt.Errorf("collaborator timeouts must be positive")
	}
	if cfg.MaxInflightPerConn < 1 {
		cfg.MaxInflightPerConn = 1
	}

	AppConfig = cfg
	return nil
}

// VoiceEnabled reports whether a speech-to-text key was configured.
func (c Config) VoiceEnabled() bool {
	return c.AssemblyAIAPIKey != ""
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
