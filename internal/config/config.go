package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is read from YAML first; environment variables override individual keys.
type Config struct {
	Server struct {
		Port  string `yaml:"port" env:"PORT"`
		Pprof bool   `yaml:"pprof" env:"PPROF"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"REDIS_DB"`
		TTL      string `yaml:"ttl" env:"REDIS_TTL"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" env:"POSTGRES_URL"`
	} `yaml:"postgres"`
	Store struct {
		Backend string `yaml:"backend" env:"STORE_BACKEND"`
	} `yaml:"store"`
	Quiz struct {
		TTL               string `yaml:"ttl" env:"QUIZ_TTL"`
		SeedFile          string `yaml:"seed_file" env:"QUIZ_SEED_FILE"`
		QuestionDuration  string `yaml:"question_duration" env:"QUESTION_DURATION"`
		BaseReward        int    `yaml:"base_reward" env:"BASE_REWARD"`
		CommissionPercent string `yaml:"commission_percent" env:"COMMISSION_PERCENT"`
		ArchiveTTL        string `yaml:"archive_ttl" env:"ARCHIVE_TTL"`
	} `yaml:"quiz"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
		Issuer    string `yaml:"issuer" env:"JWT_ISSUER"`
		TokenTTL  string `yaml:"token_ttl" env:"TOKEN_TTL"`
	} `yaml:"auth"`
}

// Load reads the config via Read and validates it for serving.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read loads YAML config from path, applies environment overrides and defaults without validating.
// A missing file is not an error so deployments may configure through the environment alone.
func Read(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Quiz.BaseReward == 0 {
		c.Quiz.BaseReward = 300
	}
	if c.Quiz.CommissionPercent == "" {
		c.Quiz.CommissionPercent = "5"
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("store.backend redis needs redis.addr"))
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("store.backend postgres needs postgres.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Quiz.BaseReward < 0 {
		errs = append(errs, errors.New("quiz.base_reward must not be negative"))
	}
	pct, err := decimal.NewFromString(c.Quiz.CommissionPercent)
	if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("quiz.commission_percent %q must be a number between 0 and 100", c.Quiz.CommissionPercent))
	}

	for key, raw := range map[string]string{
		"redis.ttl":              c.Redis.TTL,
		"quiz.ttl":               c.Quiz.TTL,
		"quiz.question_duration": c.Quiz.QuestionDuration,
		"quiz.archive_ttl":       c.Quiz.ArchiveTTL,
		"auth.token_ttl":         c.Auth.TokenTTL,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		}
	}
	return errors.Join(errs...)
}

// Commission returns the validated commission percentage.
func (c Config) Commission() decimal.Decimal {
	pct, err := decimal.NewFromString(c.Quiz.CommissionPercent)
	if err != nil {
		return decimal.NewFromInt(5)
	}
	return pct
}

// Duration parses a duration string or returns the fallback if empty.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
