package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AI providers understood by the estimator factory.
const (
	AIProviderOpenAI = "openai"
	AIProviderGemini = "gemini"
	AIProviderNone   = "none"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName   string
	AppEnv    string
	AppPort   string
	LogLevel  string
	LogPretty bool

	QuercusBaseURL   string
	CrowdmarkBaseURL string
	TransportTimeout time.Duration

	RedisURL            string
	AssignmentsCacheTTL time.Duration

	DatabaseDriver string
	DatabaseURL    string

	NATSURL     string
	NATSSubject string

	JWTSecret string

	AIProvider   string
	AIModel      string
	AITimeout    time.Duration
	OpenAIAPIKey string
	GeminiAPIKey string

	ScoreHashSecret  string
	SessionIdleTTL   time.Duration
	AnalyzeRateLimit int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// AIEnabled reports whether an external estimator is configured.
func (c Config) AIEnabled() bool {
	return c.AIProvider != AIProviderNone
}

// ScoreSharingEnabled reports whether anonymized score sharing can hash user ids.
func (c Config) ScoreSharingEnabled() bool {
	return c.ScoreHashSecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRAVITAS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "Gravitas API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("quercus.base_url", "https://q.utoronto.ca")
	v.SetDefault("crowdmark.base_url", "https://app.crowdmark.com")
	v.SetDefault("transport.timeout", "20s")
	v.SetDefault("assignments.cache_ttl", "2m")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "gravitas.db")
	v.SetDefault("nats.subject", "gravitas.analysis")
	v.SetDefault("ai.provider", AIProviderOpenAI)
	v.SetDefault("ai.timeout", "45s")
	v.SetDefault("sessions.idle_ttl", "30m")
	v.SetDefault("analyze.rate_limit", 6)
}

func fromViper(v *viper.Viper) (Config, error) {
	setDefaults(v)

	transportTimeout, err := parseDuration(v, "transport.timeout")
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := parseDuration(v, "assignments.cache_ttl")
	if err != nil {
		return Config{}, err
	}
	aiTimeout, err := parseDuration(v, "ai.timeout")
	if err != nil {
		return Config{}, err
	}
	idleTTL, err := parseDuration(v, "sessions.idle_ttl")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:             v.GetString("app.name"),
		AppEnv:              v.GetString("app.env"),
		AppPort:             v.GetString("app.port"),
		LogLevel:            v.GetString("log.level"),
		LogPretty:           v.GetBool("log.pretty"),
		QuercusBaseURL:      strings.TrimRight(v.GetString("quercus.base_url"), "/"),
		CrowdmarkBaseURL:    strings.TrimRight(v.GetString("crowdmark.base_url"), "/"),
		TransportTimeout:    transportTimeout,
		RedisURL:            v.GetString("redis.url"),
		AssignmentsCacheTTL: cacheTTL,
		DatabaseDriver:      strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:         v.GetString("database.url"),
		NATSURL:             v.GetString("nats.url"),
		NATSSubject:         v.GetString("nats.subject"),
		JWTSecret:           v.GetString("jwt.secret"),
		AIProvider:          strings.ToLower(strings.TrimSpace(v.GetString("ai.provider"))),
		AIModel:             v.GetString("ai.model"),
		AITimeout:           aiTimeout,
		OpenAIAPIKey:        v.GetString("openai_api_key"),
		GeminiAPIKey:        v.GetString("gemini_api_key"),
		ScoreHashSecret:     v.GetString("score.hash_secret"),
		SessionIdleTTL:      idleTTL,
		AnalyzeRateLimit:    v.GetInt("analyze.rate_limit"),
	}

	switch cfg.AIProvider {
	case AIProviderOpenAI, AIProviderGemini, AIProviderNone:
	case "":
		cfg.AIProvider = AIProviderNone
	default:
		return Config{}, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.QuercusBaseURL == "" || cfg.CrowdmarkBaseURL == "" {
		return Config{}, fmt.Errorf("source base urls must be provided")
	}

	if cfg.AnalyzeRateLimit <= 0 {
		cfg.AnalyzeRateLimit = 6
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	value, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}

	return value, nil
}
