package config

import "os"

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultMasherConfig = "config/masher.yaml"
	defaultStatusAddr   = ":9095"
	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envMasherConfigPath = "MASHER_CONFIG_PATH"
	envStatusAddr       = "MASHER_STATUS_ADDR"
)

// Config holds process-level settings sourced from the environment.
type Config struct {
	NatsURL          string
	RedisURL         string
	MasherConfigPath string
	StatusAddr       string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:          envOr(envNATSURL, defaultNATSURL),
		RedisURL:         envOr(envRedisURL, defaultRedisURL),
		MasherConfigPath: envOr(envMasherConfigPath, defaultMasherConfig),
		StatusAddr:       envOr(envStatusAddr, defaultStatusAddr),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
