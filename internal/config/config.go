// Package config loads engine configuration from YAML, with environment
// overrides for secrets and connection strings applied in main.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Replay   ReplayConfig   `yaml:"replay"`
	Batch    BatchConfig    `yaml:"batch"`
	Executor ExecutorConfig `yaml:"executor"`
	Store    StoreConfig    `yaml:"store"`
	Chain    ChainConfig    `yaml:"chain"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type EngineConfig struct {
	// TickMs is the driver period; each tick claims up to ClaimLimit
	// pending intents.
	TickMs     int `yaml:"tick_ms"`
	ClaimLimit int `yaml:"claim_limit"`
	// Workers bounds concurrent batch submissions.
	Workers int `yaml:"workers"`
	// Instances is the number of engine instances in this deployment.
	// More than one requires a shared store backend.
	Instances int `yaml:"instances"`
}

type ReplayConfig struct {
	// WindowWidth is the nonce admission window; it must absorb the
	// maximum plausible concurrent-vendor fan-out for one agent.
	WindowWidth uint64 `yaml:"window_width"`
}

type BatchConfig struct {
	MaxInstructions int `yaml:"max_instructions"`
	MaxBytes        int `yaml:"max_bytes"`
}

type ExecutorConfig struct {
	MaxRetries        uint64 `yaml:"max_retries"`
	InitialIntervalMs int    `yaml:"initial_interval_ms"`
	MaxIntervalMs     int    `yaml:"max_interval_ms"`
	SubmitTimeoutMs   int    `yaml:"submit_timeout_ms"`
}

type StoreConfig struct {
	// Backend is one of: memory, sqlite, postgres.
	Backend string `yaml:"backend"`
	// DSN is the postgres connection string or the sqlite file path.
	DSN string `yaml:"dsn"`
}

type ChainConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
	// Mock uses the in-process mock collaborator; development only.
	Mock bool `yaml:"mock"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type PubSubConfig struct {
	Enabled bool   `yaml:"enabled"`
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

// Default returns the documented deployment defaults.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Env: "dev"},
		Engine:   EngineConfig{TickMs: 500, ClaimLimit: 256, Workers: 4, Instances: 1},
		Replay:   ReplayConfig{WindowWidth: 256},
		Batch:    BatchConfig{MaxInstructions: 32, MaxBytes: 900},
		Executor: ExecutorConfig{MaxRetries: 5, InitialIntervalMs: 500, MaxIntervalMs: 15000, SubmitTimeoutMs: 10000},
		Store:    StoreConfig{Backend: "memory"},
		Chain:    ChainConfig{TimeoutMs: 10000, Mock: true},
		Redis:    RedisConfig{Channel: "machpay.events"},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Tick returns the driver period as a duration.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Engine.TickMs) * time.Millisecond
}
