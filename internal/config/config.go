package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Generator GeneratorConfig
	Retention RetentionConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int // concurrent connection cap on the listener
}

type StorageConfig struct {
	DataDir    string
	UploadsDir string
}

type AuthConfig struct {
	JWTSecret string
	JWTTTL    time.Duration
}

type GeneratorConfig struct {
	OverloadProbability float64
	MinDelay            time.Duration
	MaxDelay            time.Duration
	SubmitsPerMinute    float64 // per-user submit rate limit
	SubmitBurst         int
}

type RetentionConfig struct {
	// MaxAge prunes terminal ledger records older than this. Zero disables
	// pruning; the source system had no retention policy, so off is the
	// default.
	MaxAge        time.Duration
	SweepInterval time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4000,
			MaxConns: 256,
		},
		Storage: StorageConfig{
			DataDir:    "data",
			UploadsDir: "uploads",
		},
		Auth: AuthConfig{
			JWTTTL: 7 * 24 * time.Hour,
		},
		Generator: GeneratorConfig{
			OverloadProbability: 0.2,
			MinDelay:            time.Second,
			MaxDelay:            2 * time.Second,
			SubmitsPerMinute:    30,
			SubmitBurst:         5,
		},
		Retention: RetentionConfig{
			SweepInterval: 10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults overridden by ATELIER_* environment
// variables. ATELIER_JWT_SECRET is required.
func Load() (Config, error) {
	return loadWith(os.Getenv)
}

func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()

	if v := getenv("ATELIER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ATELIER_PORT %q: %w", v, err)
		}
		cfg.Server.Port = p
	}
	if v := getenv("ATELIER_MAX_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ATELIER_MAX_CONNS %q: %w", v, err)
		}
		cfg.Server.MaxConns = n
	}
	if v := getenv("ATELIER_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := getenv("ATELIER_UPLOADS_DIR"); v != "" {
		cfg.Storage.UploadsDir = v
	}
	cfg.Auth.JWTSecret = getenv("ATELIER_JWT_SECRET")
	if v := getenv("ATELIER_JWT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ATELIER_JWT_TTL %q: %w", v, err)
		}
		cfg.Auth.JWTTTL = d
	}
	if v := getenv("ATELIER_OVERLOAD_PROBABILITY"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil || p < 0 || p > 1 {
			return Config{}, fmt.Errorf("invalid ATELIER_OVERLOAD_PROBABILITY %q", v)
		}
		cfg.Generator.OverloadProbability = p
	}
	if v := getenv("ATELIER_MIN_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ATELIER_MIN_DELAY %q: %w", v, err)
		}
		cfg.Generator.MinDelay = d
	}
	if v := getenv("ATELIER_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ATELIER_MAX_DELAY %q: %w", v, err)
		}
		cfg.Generator.MaxDelay = d
	}
	if v := getenv("ATELIER_SUBMITS_PER_MINUTE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			return Config{}, fmt.Errorf("invalid ATELIER_SUBMITS_PER_MINUTE %q", v)
		}
		cfg.Generator.SubmitsPerMinute = r
	}
	if v := getenv("ATELIER_RETENTION_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ATELIER_RETENTION_MAX_AGE %q: %w", v, err)
		}
		cfg.Retention.MaxAge = d
	}
	if v := getenv("ATELIER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if cfg.Auth.JWTSecret == "" {
		return Config{}, fmt.Errorf("missing required config: set ATELIER_JWT_SECRET")
	}
	if cfg.Generator.MaxDelay < cfg.Generator.MinDelay {
		return Config{}, fmt.Errorf("ATELIER_MAX_DELAY must be >= ATELIER_MIN_DELAY")
	}

	return cfg, nil
}
