package ledger

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is a configuration for the ledger application
type Config struct {
	HTTPAddr string
	// ISO8583Addr is the card network listener; empty disables it.
	ISO8583Addr string

	// RepoBackend is "pg" or "mem". mem requires AllowMemBackend.
	RepoBackend     string
	AllowMemBackend bool
	DBDSN           string
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	// LockTimeout bounds row lock waits inside a transaction.
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	MigrateOnStart   bool

	// JWTSecret signs and verifies HS256 bearer tokens.
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	// TransientRetries is how many times the HTTP layer retries a lock
	// timeout or deadlock before answering 503.
	TransientRetries int
	TransientBackoff time.Duration

	// ExpiryTZ is an IANA timezone name in which card expiry is evaluated.
	ExpiryTZ string
	// ProductYears maps card product to validity years (e.g., credit=3, debit=5).
	ProductYears map[string]int
	// CardProduct selects the default validity of cards created without an expiration date.
	CardProduct string
	// BINPrefix is used for generated card numbers (6/8/9 digits).
	BINPrefix string

	LogLevel  string
	LogFormat string
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:         "localhost:8080",
		ISO8583Addr:      "",
		RepoBackend:      "pg",
		DBMaxOpenConns:   20,
		DBMaxIdleConns:   5,
		LockTimeout:      5 * time.Second,
		StatementTimeout: 10 * time.Second,
		MigrateOnStart:   true,
		RateLimitRPS:     50,
		RateLimitBurst:   100,
		TransientRetries: 3,
		TransientBackoff: 50 * time.Millisecond,
		ExpiryTZ:         "UTC",
		CardProduct:      "debit",
		BINPrefix:        "421234",
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadConfig reads an optional .env file and overlays environment variables
// on DefaultConfig. Variables already present in the environment win over .env.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	cfg := DefaultConfig()
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ISO8583Addr = getenv("ISO8583_ADDR", cfg.ISO8583Addr)
	cfg.RepoBackend = getenv("REPO_BACKEND", cfg.RepoBackend)
	cfg.DBDSN = getenv("DB_DSN", cfg.DBDSN)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.ExpiryTZ = getenv("EXPIRY_TZ", cfg.ExpiryTZ)
	cfg.CardProduct = getenv("CARD_PRODUCT", cfg.CardProduct)
	cfg.BINPrefix = getenv("BIN_PREFIX", cfg.BINPrefix)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)

	var err error
	if cfg.AllowMemBackend, err = envBool("ALLOW_MEM_BACKEND", cfg.AllowMemBackend); err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart, err = envBool("MIGRATE_ON_START", cfg.MigrateOnStart); err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return nil, err
	}
	if cfg.TransientRetries, err = envInt("TRANSIENT_RETRIES", cfg.TransientRetries); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = envDuration("LOCK_TIMEOUT", cfg.LockTimeout); err != nil {
		return nil, err
	}
	if cfg.StatementTimeout, err = envDuration("STATEMENT_TIMEOUT", cfg.StatementTimeout); err != nil {
		return nil, err
	}
	if cfg.TransientBackoff, err = envDuration("TRANSIENT_BACKOFF", cfg.TransientBackoff); err != nil {
		return nil, err
	}
	if v := os.Getenv("PRODUCT_YEARS"); v != "" {
		if cfg.ProductYears, err = parseProductYears(v); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if cfg.RateLimitRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
	}

	return cfg, nil
}

// parseProductYears reads "credit=3,debit=5".
func parseProductYears(v string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, years, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("PRODUCT_YEARS: %q is not product=years", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(years))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("PRODUCT_YEARS: invalid years for %q", name)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return out, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func envDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}
