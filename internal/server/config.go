package server

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/lox/crashout/internal/engine"
)

// Config is the complete server configuration.
type Config struct {
	Server  ServerSettings  `hcl:"server,block"`
	Game    GameSettings    `hcl:"game,block"`
	Storage StorageSettings `hcl:"storage,block"`
}

// ServerSettings contains listener-level configuration.
type ServerSettings struct {
	Address  string `hcl:"address,optional"`
	Port     int    `hcl:"port,optional"`
	LogLevel string `hcl:"log_level,optional"`
}

// GameSettings contains round lifecycle tunables.
type GameSettings struct {
	BettingSeconds  float64 `hcl:"betting_seconds,optional"`
	CooldownSeconds float64 `hcl:"cooldown_seconds,optional"`
	TickMillis      int     `hcl:"tick_millis,optional"`
	GrowthFactor    float64 `hcl:"growth_factor,optional"`
	GrowthExponent  float64 `hcl:"growth_exponent,optional"`
	ServerSeed      string  `hcl:"server_seed,optional"`
}

// StorageSettings points at the SQLite database.
type StorageSettings struct {
	Path string `hcl:"path,optional"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerSettings{
			Address:  "localhost",
			Port:     8080,
			LogLevel: "info",
		},
		Game: GameSettings{
			BettingSeconds:  10,
			CooldownSeconds: 4,
			TickMillis:      100,
			GrowthFactor:    0.06,
			GrowthExponent:  1.8,
		},
		Storage: StorageSettings{
			Path: "crashout.db",
		},
	}
}

// LoadConfig loads configuration from an HCL file. A missing file
// yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config Config
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = def.Server.LogLevel
	}
	if c.Game.BettingSeconds == 0 {
		c.Game.BettingSeconds = def.Game.BettingSeconds
	}
	if c.Game.CooldownSeconds == 0 {
		c.Game.CooldownSeconds = def.Game.CooldownSeconds
	}
	if c.Game.TickMillis == 0 {
		c.Game.TickMillis = def.Game.TickMillis
	}
	if c.Game.GrowthFactor == 0 {
		c.Game.GrowthFactor = def.Game.GrowthFactor
	}
	if c.Game.GrowthExponent == 0 {
		c.Game.GrowthExponent = def.Game.GrowthExponent
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
}

// Validate validates the server configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Game.BettingSeconds <= 0 {
		return fmt.Errorf("betting_seconds must be positive")
	}
	if c.Game.CooldownSeconds <= 0 {
		return fmt.Errorf("cooldown_seconds must be positive")
	}
	if c.Game.TickMillis < 1 || c.Game.TickMillis > 100 {
		return fmt.Errorf("tick_millis must be between 1 and 100, got %d", c.Game.TickMillis)
	}
	if c.Game.GrowthFactor <= 0 {
		return fmt.Errorf("growth_factor must be positive")
	}
	if c.Game.GrowthExponent <= 0 {
		return fmt.Errorf("growth_exponent must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path must be set")
	}
	return nil
}

// ListenAddr returns the full host:port listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// EngineConfig converts the game settings into an engine config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		ServerSeed:     c.Game.ServerSeed,
		BetDuration:    time.Duration(c.Game.BettingSeconds * float64(time.Second)),
		Cooldown:       time.Duration(c.Game.CooldownSeconds * float64(time.Second)),
		TickInterval:   time.Duration(c.Game.TickMillis) * time.Millisecond,
		GrowthFactor:   c.Game.GrowthFactor,
		GrowthExponent: c.Game.GrowthExponent,
	}
}
