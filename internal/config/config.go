// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every runtime knob. Defaults run the service with the
// in-memory store and no broker.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// StoreBackend selects the LedgerStore: memory, mongo, or postgres.
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`

	MongoURI      string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"microgrid"`

	PostgresDSN string `env:"POSTGRES_DSN" envDefault:"host=localhost port=5432 user=postgres password=postgres dbname=microgrid sslmode=disable"`

	KafkaBrokers []string `env:"KAFKA_BROKERS"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"transfer_completed"`

	GridUnlimited bool          `env:"GRID_UNLIMITED" envDefault:"true"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	SimIterations int    `env:"SIM_ITERATIONS" envDefault:"50"`
	SimMaxAmount  string `env:"SIM_MAX_AMOUNT" envDefault:"10"`
}

// Load reads .env if present, then parses the environment.
func Load() (Config, error) {
	// Missing .env is fine; the environment alone is a valid source.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	switch cfg.StoreBackend {
	case "memory", "mongo", "postgres":
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return cfg, nil
}
