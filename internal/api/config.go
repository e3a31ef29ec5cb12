package api

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/vertexads/finsync/internal/archive"
)

// DefaultJWTSecret is used when no secret is configured. It is only fit
// for local development.
const DefaultJWTSecret = "finsync-dev-secret-change-in-production"

// Config holds the server configuration.
type Config struct {
	ListenAddr      string
	ServerDBPath    string
	ShutdownTimeout time.Duration
	AllowSignup     bool
	TrustProxy      bool
	LogFormat       string // "json" (default) or "console"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int

	RateLimitWindow time.Duration // fixed window shared by all limits (default: 15m)
	RateLimitAuth   int           // login/register per IP per window (default: 20)
	RateLimitSync   int           // /sync per IP per window (default: 200)
	MaxBodyBytes    int64

	CORSAllowedOrigins []string // empty = any origin, without credentials

	RetentionSchedule       string // cron spec for snapshot pruning
	RetentionKeep           int    // snapshots kept per user
	AuthEventRetention      time.Duration
	RateLimitEventRetention time.Duration

	Archive archive.Config

	LegacyDir     string // JSON-file data to import once at startup
	AdminEmail    string // seeded when the user table is empty
	AdminPassword string
	AdminName     string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":3001")
	v.SetDefault("db_path", "./data/server.db")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("allow_signup", true)
	v.SetDefault("trust_proxy", false)
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", "7d")
	v.SetDefault("bcrypt_cost", 10)

	v.SetDefault("rate_limit_window", "15m")
	v.SetDefault("rate_limit_auth", 20)
	v.SetDefault("rate_limit_sync", 200)
	v.SetDefault("max_body_bytes", 2<<20)

	v.SetDefault("cors_origins", "")

	v.SetDefault("retention_schedule", "0 30 3 * * *")
	v.SetDefault("retention_keep", 30)
	v.SetDefault("auth_event_retention", "90d")
	v.SetDefault("rate_limit_event_retention", "30d")

	v.SetDefault("archive.kind", "")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "finsync")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")

	v.SetDefault("legacy_dir", "")
	v.SetDefault("admin_email", "")
	v.SetDefault("admin_password", "")
	v.SetDefault("admin_name", "Admin")
}

// LoadConfig reads configuration from an optional .env file, FINSYNC_*
// environment variables and an optional config file, in increasing order
// of precedence below the environment.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FINSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("FINSYNC_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddr:   v.GetString("listen_addr"),
		ServerDBPath: v.GetString("db_path"),
		AllowSignup:  v.GetBool("allow_signup"),
		TrustProxy:   v.GetBool("trust_proxy"),
		LogFormat:    v.GetString("log_format"),
		LogLevel:     v.GetString("log_level"),

		JWTSecret:  v.GetString("jwt_secret"),
		BcryptCost: v.GetInt("bcrypt_cost"),

		RateLimitAuth: v.GetInt("rate_limit_auth"),
		RateLimitSync: v.GetInt("rate_limit_sync"),
		MaxBodyBytes:  v.GetInt64("max_body_bytes"),

		CORSAllowedOrigins: splitList(v.GetString("cors_origins")),

		RetentionSchedule: v.GetString("retention_schedule"),
		RetentionKeep:     v.GetInt("retention_keep"),

		Archive: archive.Config{
			Kind:            v.GetString("archive.kind"),
			Dir:             v.GetString("archive.dir"),
			Bucket:          v.GetString("archive.bucket"),
			Prefix:          v.GetString("archive.prefix"),
			Region:          v.GetString("archive.region"),
			Endpoint:        v.GetString("archive.endpoint"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
		},

		LegacyDir:     v.GetString("legacy_dir"),
		AdminEmail:    v.GetString("admin_email"),
		AdminPassword: v.GetString("admin_password"),
		AdminName:     v.GetString("admin_name"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_timeout", &cfg.ShutdownTimeout},
		{"token_ttl", &cfg.TokenTTL},
		{"rate_limit_window", &cfg.RateLimitWindow},
		{"auth_event_retention", &cfg.AuthEventRetention},
		{"rate_limit_event_retention", &cfg.RateLimitEventRetention},
	}
	for _, d := range durations {
		parsed := parseDaysDuration(v.GetString(d.key))
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid duration for %s: %q", d.key, v.GetString(d.key))
		}
		*d.dst = parsed
	}

	if cfg.RateLimitAuth <= 0 || cfg.RateLimitSync <= 0 {
		return Config{}, fmt.Errorf("rate limits must be positive")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("max_body_bytes must be positive")
	}
	if cfg.RetentionKeep < 1 {
		cfg.RetentionKeep = 1
	}
	return cfg, nil
}

// UsingDefaultSecret reports whether tokens are signed with the
// development secret.
func (c Config) UsingDefaultSecret() bool {
	return c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret
}

func (c Config) jwtKey() []byte {
	if c.JWTSecret == "" {
		return []byte(DefaultJWTSecret)
	}
	return []byte(c.JWTSecret)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDaysDuration parses a string like "90d", "30d" into a time.Duration.
// Falls back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}

// DefaultConfig returns the configuration produced by defaults alone.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := fromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}
