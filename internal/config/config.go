package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr       string
	CRDBDSN          string
	MongoURI         string
	MongoDatabase    string
	RedisAddr        string
	RabbitURL        string
	SeatingBaseURL   string
	WalletBaseURL    string
	StripeSecretKey  string
	Currency         string
	IdempotencyTTL   time.Duration
	PaymentExpiry    time.Duration
	CollaboratorTimeout time.Duration
	OTLPEndpoint     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		CRDBDSN:             os.Getenv("CRDB_DSN"),
		MongoURI:            os.Getenv("MONGO_URI"),
		MongoDatabase:       getEnv("MONGO_DB", "payments"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RabbitURL:           os.Getenv("RABBIT_URL"),
		SeatingBaseURL:      getEnv("SEATING_URL", "http://localhost:4000"),
		WalletBaseURL:       getEnv("WALLET_URL", "http://localhost:4100"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		Currency:            getEnv("CURRENCY", "USD"),
		IdempotencyTTL:      getDuration("IDEMPOTENCY_TTL", time.Hour),
		PaymentExpiry:       getDuration("PAYMENT_EXPIRY", 15*time.Minute),
		CollaboratorTimeout: getDuration("COLLABORATOR_TIMEOUT", 10*time.Second),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	if d == 0 {
		return fallback
	}
	return d
}
