// Package config loads daemon settings from a yaml file with environment
// variable overrides. Env vars win so deployments can keep one checked-in
// file and vary secrets per host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	NATS   NATSConfig   `yaml:"nats"`
	Game   GameConfig   `yaml:"game"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig selects the game store backend.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds connection settings for the postgres backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// NATSConfig holds event broker settings. An empty URL disables the
// broker; events then reach websocket clients through the in-process
// bridge only.
type NATSConfig struct {
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// GameConfig holds pacing knobs for the number-calling loop.
type GameConfig struct {
	AutoCallInterval  Duration `yaml:"auto_call_interval"`
	GameDuration      Duration `yaml:"game_duration"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	StrictValidation  bool     `yaml:"strict_validation"`
}

// Duration parses yaml scalars like "5s" or "2m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Store: StoreConfig{
			Backend: "memory",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Password: "postgres",
				Database: "tambola",
				SSLMode:  "disable",
			},
		},
		NATS: NATSConfig{
			StreamName:    "TAMBOLA_EVENTS",
			SubjectPrefix: "tambola.events",
		},
		Game: GameConfig{
			AutoCallInterval:  Duration(10 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
		},
	}
}

// Load reads path (if it exists) over the defaults, then applies env
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Store.Backend != "memory" && cfg.Store.Backend != "postgres" {
		return Config{}, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)

	c.Store.Postgres.Host = getEnv("DB_HOST", c.Store.Postgres.Host)
	c.Store.Postgres.Port = getEnvAsInt("DB_PORT", c.Store.Postgres.Port)
	c.Store.Postgres.User = getEnv("DB_USER", c.Store.Postgres.User)
	c.Store.Postgres.Password = getEnv("DB_PASSWORD", c.Store.Postgres.Password)
	c.Store.Postgres.Database = getEnv("DB_NAME", c.Store.Postgres.Database)
	c.Store.Postgres.SSLMode = getEnv("DB_SSLMODE", c.Store.Postgres.SSLMode)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
}

// DSN returns the Postgres connection URL.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
