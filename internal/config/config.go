package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

type Config struct {
	Env         string
	ServerAddr  string
	ServiceName string
	Version     string

	// Credential store
	StoreDriver   string
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string

	// Tokens and cookies
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	BcryptCost         int
	CookieDomain       string

	// Rate limiting
	AuthRateLimit    int
	APIRateLimit     int
	RateLimitWindow  time.Duration
	RateLimitBackend string
	RedisAddr        string
	TrustProxy       bool

	CORSAllowedOrigins []string
	LogLevel           string
	MaxBodyBytes       int64
}

// IsProduction reports whether cookies must be marked Secure.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Load reads the configuration from the environment. Values from envFile
// (".env" when empty) are applied first without overriding variables that
// are already set; a missing file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	var errs []error
	intVar := func(key string, def int) int {
		v, err := strconv.Atoi(getEnvOrDefault(key, strconv.Itoa(def)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return v
	}
	durationVar := func(key string, def time.Duration) time.Duration {
		v, err := time.ParseDuration(getEnvOrDefault(key, def.String()))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := strconv.ParseBool(getEnvOrDefault(key, strconv.FormatBool(def)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return v
	}

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":" + getEnvOrDefault("PORT", "8080")
	}

	cfg := &Config{
		Env:         strings.ToLower(getEnvOrDefault("APP_ENV", EnvDevelopment)),
		ServerAddr:  serverAddr,
		ServiceName: getEnvOrDefault("SERVICE_NAME", "aidash-auth"),
		Version:     getEnvOrDefault("SERVICE_VERSION", "dev"),

		StoreDriver:   strings.ToLower(getEnvOrDefault("STORE_DRIVER", StoreMongo)),
		MongoURI:      getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnvOrDefault("MONGO_DATABASE", "aidash"),
		DatabaseURL:   getEnvOrDefault("DATABASE_URL", "postgres://localhost:5432/aidash?sslmode=disable"),

		AccessTokenSecret:  os.Getenv("JWT_ACCESS_SECRET"),
		RefreshTokenSecret: os.Getenv("JWT_REFRESH_SECRET"),
		AccessTokenTTL:     durationVar("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    durationVar("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		BcryptCost:         intVar("BCRYPT_COST", 12),
		CookieDomain:       os.Getenv("COOKIE_DOMAIN"),

		AuthRateLimit:    intVar("AUTH_RATE_LIMIT", 20),
		APIRateLimit:     intVar("API_RATE_LIMIT", 100),
		RateLimitWindow:  durationVar("RATE_LIMIT_WINDOW", 15*time.Minute),
		RateLimitBackend: strings.ToLower(getEnvOrDefault("RATE_LIMIT_BACKEND", RateLimitMemory)),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		TrustProxy:       boolVar("TRUST_PROXY", false),

		CORSAllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		MaxBodyBytes:       int64(intVar("MAX_BODY_BYTES", 10*1024)),
	}

	if !cfg.IsProduction() {
		if cfg.AccessTokenSecret == "" {
			cfg.AccessTokenSecret = generateDefaultSecret()
		}
		if cfg.RefreshTokenSecret == "" {
			cfg.RefreshTokenSecret = generateDefaultSecret()
		}
	}

	if err := errors.Join(append(errs, cfg.Validate())...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.Env != EnvDevelopment && c.Env != EnvProduction && c.Env != "test" {
		errs = append(errs, fmt.Errorf("APP_ENV: unknown environment %q", c.Env))
	}
	if c.AccessTokenSecret == "" || c.RefreshTokenSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required"))
	} else if c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("BCRYPT_COST: %d outside 4..31", c.BcryptCost))
	}
	if c.AuthRateLimit <= 0 || c.APIRateLimit <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limits and window must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTES must be positive"))
	}

	switch c.StoreDriver {
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER: unknown driver %q", c.StoreDriver))
	}

	switch c.RateLimitBackend {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis rate limit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND: unknown backend %q", c.RateLimitBackend))
	}

	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("config: failed to generate secret: %v", err))
	}
	return hex.EncodeToString(bytes)
}
