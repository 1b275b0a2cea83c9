package config

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

const (
	ProviderReplicate = "replicate"
	ProviderGemini    = "gemini"
)

// DefaultDialect is the prompt dialect used when PROMPT_DIALECT is unset.
func DefaultDialect(provider string) string {
	if provider == ProviderGemini {
		return "plain"
	}
	return "llama3"
}

type Config struct {
	Port      string
	JWTSecret string

	Provider        string
	APIToken        string
	InferenceModel  string
	ModerationModel string
	MaxLengthKey    string

	PromptDialect string
	DialectsFile  string

	TokenCeiling    int
	SafetyCadence   int
	PreFlightOnOpen bool
	Greeting        string
	AbortMessage    string

	RateLimit     float64
	MaxConcurrent int
}

// Load reads the process environment. Call gotenv.Load first to pick up a
// local .env file. Zero values mean "use the component default".
func Load() Config {
	cfg := Config{
		Port:      getEnv("PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),

		Provider:        strings.ToLower(getEnv("INFERENCE_PROVIDER", ProviderReplicate)),
		APIToken:        os.Getenv("REPLICATE_API_TOKEN"),
		InferenceModel:  os.Getenv("INFERENCE_MODEL"),
		ModerationModel: os.Getenv("MODERATION_MODEL"),
		MaxLengthKey:    os.Getenv("MAX_LENGTH_KEY"),

		PromptDialect: os.Getenv("PROMPT_DIALECT"),
		DialectsFile:  os.Getenv("DIALECTS_FILE"),

		TokenCeiling:    getInt("TOKEN_CEILING", 0),
		SafetyCadence:   getInt("SAFETY_CADENCE", 0),
		PreFlightOnOpen: getBool("PREFLIGHT_ON_OPEN", true),
		Greeting:        os.Getenv("GREETING"),
		AbortMessage:    os.Getenv("ABORT_MESSAGE"),

		RateLimit:     getFloat("RATE_LIMIT", 20),
		MaxConcurrent: getInt("MAX_CONCURRENT", 10),
	}
	if cfg.PromptDialect == "" {
		cfg.PromptDialect = DefaultDialect(cfg.Provider)
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.With(zap.String("key", key), zap.String("value", v)).Warn("invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.With(zap.String("key", key), zap.String("value", v)).Warn("invalid number in environment, using default")
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.With(zap.String("key", key), zap.String("value", v)).Warn("invalid boolean in environment, using default")
		return fallback
	}
	return b
}
