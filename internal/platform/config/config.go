package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ApprovalMode says how a bank grants consent: synchronously in the creation
// call, or out-of-band after the user signs at the bank's own UI.
type ApprovalMode string

const (
	ApprovalAuto   ApprovalMode = "auto"
	ApprovalManual ApprovalMode = "manual"
)

// Bank holds the static per-provider settings. Approval mode is configuration,
// never derived from response fields: providers have changed modes between
// platform revisions without changing their response shapes.
type Bank struct {
	BaseURL      string
	ApprovalMode ApprovalMode
}

// Server captures the full runtime configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	SessionTTL    time.Duration

	// Credentials presented to every bank's auth endpoint.
	ClientSecret string

	Banks map[string]Bank

	// Token cache: provider expiry minus this margin is the cached deadline.
	TokenSafetyMargin time.Duration
	// Transaction response cache TTL.
	TxCacheTTL time.Duration
	// Per-upstream-call HTTP timeout.
	UpstreamTimeout time.Duration

	// Approval poller defaults.
	PollInterval     time.Duration
	PollMaxAttempts  int
	DegradedCreate   bool
	RequestingParty  string
	RedisURL         string
}

var defaultBanks = map[string]Bank{
	"abank": {BaseURL: "https://abank.open.bankingapi.ru", ApprovalMode: ApprovalAuto},
	"vbank": {BaseURL: "https://vbank.open.bankingapi.ru", ApprovalMode: ApprovalAuto},
	"sbank": {BaseURL: "https://sbank.open.bankingapi.ru", ApprovalMode: ApprovalManual},
}

// FromEnv builds a Server config from environment variables so main stays lean.
// A local .env file is honored when present.
func FromEnv() Server {
	_ = godotenv.Load()

	cfg := Server{
		Addr:              envOr("BANKBRIDGE_ADDR", ":8080"),
		JWTSigningKey:     envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		SessionTTL:        durationOr("SESSION_TTL", 30*time.Minute),
		ClientSecret:      os.Getenv("CLIENT_SECRET"),
		Banks:             make(map[string]Bank, len(defaultBanks)),
		TokenSafetyMargin: durationOr("TOKEN_SAFETY_MARGIN", 5*time.Minute),
		TxCacheTTL:        durationOr("TX_CACHE_TTL", 15*time.Minute),
		UpstreamTimeout:   durationOr("UPSTREAM_TIMEOUT", 10*time.Second),
		PollInterval:      durationOr("CONSENT_POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts:   intOr("CONSENT_POLL_MAX_ATTEMPTS", 24),
		DegradedCreate:    os.Getenv("CONSENT_DEGRADED_CREATE") == "true",
		RequestingParty:   envOr("REQUESTING_PARTY", "team286"),
		RedisURL:          os.Getenv("REDIS_URL"),
	}

	for name, bank := range defaultBanks {
		upper := strings.ToUpper(name)
		if url := os.Getenv("BANK_" + upper + "_URL"); url != "" {
			bank.BaseURL = url
		}
		switch os.Getenv("BANK_" + upper + "_APPROVAL") {
		case string(ApprovalAuto):
			bank.ApprovalMode = ApprovalAuto
		case string(ApprovalManual):
			bank.ApprovalMode = ApprovalManual
		}
		cfg.Banks[name] = bank
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
