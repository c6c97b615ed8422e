package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TIDEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TIDEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Exchange.RestURL, "TIDEBOT_EXCHANGE_REST_URL")
	setStr(&cfg.Exchange.BookWsURL, "TIDEBOT_EXCHANGE_BOOK_WS_URL")
	setStr(&cfg.Exchange.UserWsURL, "TIDEBOT_EXCHANGE_USER_WS_URL")
	setStr(&cfg.Exchange.ApiKey, "TIDEBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "TIDEBOT_EXCHANGE_API_SECRET")

	setStr(&cfg.Postgres.DSN, "TIDEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TIDEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TIDEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TIDEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TIDEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TIDEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TIDEBOT_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "TIDEBOT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "TIDEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TIDEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TIDEBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "TIDEBOT_REDIS_TLS_ENABLED")

	setStr(&cfg.LogLevel, "TIDEBOT_LOG_LEVEL")
}

func setStr(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
