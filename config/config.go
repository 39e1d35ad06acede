package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DefaultSystemPrompt = "You are a helpful, knowledgeable, and friendly AI assistant. Provide clear, accurate, and well-formatted responses. Use markdown formatting when appropriate for better readability."

type Config struct {
	Env      string
	Port     string
	LogMode  string
	DBDriver string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPath     string

	JWTSecret          string
	RequireAuth        bool
	CORSAllowedOrigins []string

	LLM     LLMConfig
	Context ContextConfig

	RedisAddr    string
	RedisChannel string
}

type LLMConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	TitleModel   string
	Temperature  float64
	MaxTokens    int
	TopP         float64
	Timeout      time.Duration
	MaxRetries   int
	RetryBase    time.Duration
	RetryMaxWait time.Duration
	AppURL       string
	AppTitle     string
}

type ContextConfig struct {
	TokenBudget   int
	CharsPerToken int
	SystemPrompt  string
}

func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	apiKey := v.GetString("LLM_API_KEY")
	if apiKey == "" {
		apiKey = v.GetString("OPENROUTER_API_KEY")
	}

	return &Config{
		Env:      v.GetString("APP_ENV"),
		Port:     v.GetString("PORT"),
		LogMode:  v.GetString("LOG_MODE"),
		DBDriver: strings.ToLower(v.GetString("DB_DRIVER")),

		DBHost:     v.GetString("DB_HOST"),
		DBPort:     v.GetString("DB_PORT"),
		DBUser:     v.GetString("DB_USER"),
		DBPassword: v.GetString("DB_PASSWORD"),
		DBName:     v.GetString("DB_NAME"),
		DBSSLMode:  v.GetString("DB_SSLMODE"),
		DBPath:     v.GetString("DB_PATH"),

		JWTSecret:          v.GetString("JWT_SECRET"),
		RequireAuth:        v.GetBool("REQUIRE_AUTH"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),

		LLM: LLMConfig{
			BaseURL:      strings.TrimRight(v.GetString("LLM_BASE_URL"), "/"),
			APIKey:       apiKey,
			Model:        v.GetString("LLM_MODEL"),
			TitleModel:   v.GetString("LLM_TITLE_MODEL"),
			Temperature:  v.GetFloat64("LLM_TEMPERATURE"),
			MaxTokens:    v.GetInt("LLM_MAX_TOKENS"),
			TopP:         v.GetFloat64("LLM_TOP_P"),
			Timeout:      time.Duration(v.GetInt("LLM_TIMEOUT_SECONDS")) * time.Second,
			MaxRetries:   v.GetInt("LLM_MAX_RETRIES"),
			RetryBase:    time.Duration(v.GetInt("LLM_RETRY_BASE_MS")) * time.Millisecond,
			RetryMaxWait: time.Duration(v.GetInt("LLM_RETRY_MAX_WAIT_SECONDS")) * time.Second,
			AppURL:       v.GetString("APP_URL"),
			AppTitle:     v.GetString("APP_TITLE"),
		},
		Context: ContextConfig{
			TokenBudget:   v.GetInt("CONTEXT_TOKEN_BUDGET"),
			CharsPerToken: v.GetInt("CONTEXT_CHARS_PER_TOKEN"),
			SystemPrompt:  v.GetString("SYSTEM_PROMPT"),
		},

		RedisAddr:    v.GetString("REDIS_ADDR"),
		RedisChannel: v.GetString("REDIS_CHANNEL"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_MODE", "development")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "microlearn")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_PATH", "microlearn.db")
	v.SetDefault("JWT_SECRET", "default-secret")
	v.SetDefault("REQUIRE_AUTH", true)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")

	v.SetDefault("LLM_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("LLM_MODEL", "deepseek/deepseek-chat-v3:free")
	v.SetDefault("LLM_TITLE_MODEL", "google/gemini-2.0-flash-lite-001")
	v.SetDefault("LLM_TEMPERATURE", 0.7)
	v.SetDefault("LLM_MAX_TOKENS", 2000)
	v.SetDefault("LLM_TOP_P", 1.0)
	v.SetDefault("LLM_TIMEOUT_SECONDS", 30)
	v.SetDefault("LLM_MAX_RETRIES", 3)
	v.SetDefault("LLM_RETRY_BASE_MS", 1000)
	v.SetDefault("LLM_RETRY_MAX_WAIT_SECONDS", 60)
	v.SetDefault("APP_URL", "http://localhost:3000")
	v.SetDefault("APP_TITLE", "MicroLearn AI Chat")

	v.SetDefault("CONTEXT_TOKEN_BUDGET", 100000)
	v.SetDefault("CONTEXT_CHARS_PER_TOKEN", 4)
	v.SetDefault("SYSTEM_PROMPT", DefaultSystemPrompt)

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_CHANNEL", "microlearn:events")
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
