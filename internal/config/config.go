// Package config loads worker configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/glimte/mmate-pipeline/internal/cache"
	"github.com/glimte/mmate-pipeline/internal/lookup"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
	"github.com/glimte/mmate-pipeline/internal/weather"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all worker configuration
type Config struct {
	Broker          rabbitmq.BrokerConfig
	Queues          QueueConfig
	RPCReplyTimeout time.Duration
	Lookup          LookupConfig
	OpenWeatherMap  OpenWeatherMapConfig
	Cache           CacheConfig
	HTTP            HTTPConfig
	Log             LogConfig
}

// QueueConfig names the queue of every pipeline role
type QueueConfig struct {
	Input              string
	Countries          string
	CountriesResponses string
	Capitals           string
	CapitalsProcessed  string
	Weather            string
	Output             string
}

// LookupConfig locates the HTTP collaborators of the lookup stages
type LookupConfig struct {
	CountriesBaseURI string
	WeatherBaseURI   string
	Timeout          time.Duration
}

// OpenWeatherMapConfig configures the external weather provider
type OpenWeatherMapConfig struct {
	BaseURL string
	APIKey  string
}

// CacheConfig selects the capital cache backend
type CacheConfig struct {
	Backend        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Address         string
	HealthAddress   string
	ShutdownTimeout time.Duration
}

// LogConfig selects the process log handler
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables with defaults. Broker
// values have no defaults; Validate reports them.
func Load() (*Config, error) {
	cfg := &Config{
		Broker: rabbitmq.BrokerConfig{
			Host:     getEnv("RABBITMQ_HOST", ""),
			Port:     getEnvInt("RABBITMQ_PORT", 0),
			User:     getEnv("RABBITMQ_USER", ""),
			Password: getEnv("RABBITMQ_PASSWORD", ""),
			VHost:    getEnv("RABBITMQ_VHOST", "/"),
		},
		Queues: QueueConfig{
			Input:              getEnv("RABBITMQ_QUEUE_INPUT", "input"),
			Countries:          getEnv("RABBITMQ_QUEUE_COUNTRIES", "countries"),
			CountriesResponses: getEnv("RABBITMQ_QUEUE_COUNTRIES_RESPONSES", "countries_responses"),
			Capitals:           getEnv("RABBITMQ_QUEUE_CAPITALS", "capitals"),
			CapitalsProcessed:  getEnv("RABBITMQ_QUEUE_CAPITALS_PROCESSED", "capitals_processed"),
			Weather:            getEnv("RABBITMQ_QUEUE_WEATHER", "weather"),
			Output:             getEnv("RABBITMQ_QUEUE_OUTPUT", "output"),
		},
		RPCReplyTimeout: getDuration("RPC_REPLY_TIMEOUT", 10*time.Second),
		Lookup: LookupConfig{
			CountriesBaseURI: getEnv("RESTCOUNTRIES_BASE_URI", lookup.DefaultCountriesBaseURI),
			WeatherBaseURI:   getEnv("API_WEATHER_BASE_URI", lookup.DefaultWeatherBaseURI),
			Timeout:          getDuration("LOOKUP_TIMEOUT", 5*time.Second),
		},
		OpenWeatherMap: OpenWeatherMapConfig{
			BaseURL: getEnv("OPENWEATHERMAP_BASE_URL", weather.DefaultOpenWeatherMapURL),
			APIKey:  getEnv("OPENWEATHERMAP_API_KEY", ""),
		},
		Cache: CacheConfig{
			Backend:        getEnv("CACHE_BACKEND", CacheMemory),
			RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:  getEnv("REDIS_PASSWORD", ""),
			RedisDB:        getEnvInt("REDIS_DB", 0),
			RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", cache.DefaultKeyPrefix),
		},
		HTTP: HTTPConfig{
			Address:         getEnv("HTTP_ADDRESS", ":8080"),
			HealthAddress:   getEnv("HEALTH_ADDRESS", ""),
			ShutdownTimeout: getDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getDuration gets a duration environment variable or returns a default value
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks the broker settings and the enumerated values. A missing
// broker value is reported as a *rabbitmq.ConfigError.
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}

	if c.RPCReplyTimeout <= 0 {
		return fmt.Errorf("config: RPC reply timeout must be positive")
	}

	return nil
}
