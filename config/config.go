// Package config loads server settings from flags and the environment.
//
// Precedence is environment, then flags, then defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DevJWTSecret signs tokens when LOG_DEVELOPMENT is set and JWT_SECRET is not.
const DevJWTSecret = "dev-only-secret"

type Config struct {
	Addr         string `env:"RUN_ADDRESS" env-default:"localhost:8080"`
	DatabasePath string `env:"DATABASE_PATH" env-default:"./data/loyalty.db"`
	ProgramFile  string `env:"PROGRAM_FILE"`

	JWTSecret     string        `env:"JWT_SECRET"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" env-default:"12h"`
	AdminUsername string        `env:"ADMIN_USERNAME" env-default:"admin"`
	AdminPassword string        `env:"ADMIN_PASSWORD"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-default:"http://localhost:3000" env-separator:","`

	ExpirySweepInterval time.Duration `env:"EXPIRY_SWEEP_INTERVAL" env-default:"1h"`
	NodeID              int64         `env:"NODE_ID" env-default:"1"`

	LogLevel       string `env:"LOG_LEVEL" env-default:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" env-default:"false"`
}

// flagBinding ties a command-line flag to the env var that overrides it.
type flagBinding struct {
	name, env, usage string
	target           *string
}

// Load parses args (without the program name) and the environment.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("couldn't read environment variables: %w", err)
	}

	bindings := []flagBinding{
		{"a", "RUN_ADDRESS", "HTTP listen address", &cfg.Addr},
		{"d", "DATABASE_PATH", "SQLite database path", &cfg.DatabasePath},
		{"p", "PROGRAM_FILE", "loyalty program JSON file", &cfg.ProgramFile},
	}

	fs := flag.NewFlagSet("loyalty", flag.ContinueOnError)
	values := make(map[string]*string, len(bindings))
	for _, b := range bindings {
		values[b.name] = fs.String(b.name, *b.target, b.usage)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for _, b := range bindings {
		if _, fromEnv := os.LookupEnv(b.env); fromEnv || !set[b.name] {
			continue
		}
		*b.target = *values[b.name]
	}

	if cfg.JWTSecret == "" && cfg.LogDevelopment {
		cfg.JWTSecret = DevJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: run address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database path is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("config: TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.ExpirySweepInterval < 0 {
		return fmt.Errorf("config: EXPIRY_SWEEP_INTERVAL must not be negative, got %s", c.ExpirySweepInterval)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("config: NODE_ID must be between 0 and 1023, got %d", c.NodeID)
	}
	return nil
}
