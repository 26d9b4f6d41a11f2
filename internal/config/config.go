package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings for both the store server and the client.
type Config struct {
	// Store server
	Port         string
	StoreBackend string // file | mongo | redis
	DataDir      string
	MongoURI     string
	RedisURL     string

	// Client
	StoreURL      string        // base URL of the conversation store
	GatherTimeout time.Duration // bound on candidate gathering
}

// Load reads configuration from the environment, with a .env file as a
// development convenience.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "9090"),
		StoreBackend:  getEnv("STORE_BACKEND", "file"),
		DataDir:       getEnv("DATA_DIR", "data"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StoreURL:      getEnv("STORE_URL", "http://localhost:9090"),
		GatherTimeout: getDuration("GATHER_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
