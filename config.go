// config.go
package main

import (
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL       string `env:"DATABASE_URL,required"`
	FacebookAppSecret string `env:"FACEBOOK_APP_SECRET,required"`
	VerifyToken       string `env:"VERIFY_TOKEN,required"`
	PageAccessToken   string `env:"PAGE_ACCESS_TOKEN,required"`
	Port              string `env:"PORT" envDefault:"8080"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis is optional; without it dedup and send spacing fall back
	// to in-memory state
	RedisHost     string `env:"REDIS_HOST"`
	RedisPort     string `env:"REDIS_PORT" envDefault:"6379"`
	RedisUsername string `env:"REDIS_USERNAME"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Dedup window for redelivered webhook events
	DedupTTL time.Duration `env:"DEDUP_TTL" envDefault:"10m"`

	// Minimum spacing between sends to the same recipient
	SendMinInterval time.Duration `env:"SEND_MIN_INTERVAL" envDefault:"300ms"`

	// Session reaper: neutral/terminal sessions go after SessionTTL,
	// mid-flow sessions only after the much longer AbandonTTL
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	AbandonTTL    time.Duration `env:"SESSION_ABANDON_TTL" envDefault:"72h"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE" envDefault:"*/30 * * * *"`
}

func loadConfig() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("💡 Using platform environment variables (no .env file)")
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("❌ Failed to parse config: %v", err)
	}
	return cfg
}
