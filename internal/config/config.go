// Package config loads and validates the roverd daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type RoverConfig struct {
	Name string     `toml:"name"`
	I2C  I2CConfig  `toml:"i2c"`
	UART UARTConfig `toml:"uart"`
	RPC  RPCConfig  `toml:"rpc"`
	HTTP HTTPConfig `toml:"http"`
	DB   DBConfig   `toml:"db"`
}

// I2CConfig locates the controller on the I2C bus. Bus is a periph
// bus reference ("1", "/dev/i2c-1"); an empty string picks the first
// available bus.
type I2CConfig struct {
	Bus  string `toml:"bus"`
	Addr uint16 `toml:"addr"`
}

type UARTConfig struct {
	Device string `toml:"device"`
	Baud   int    `toml:"baud"`
}

type RPCConfig struct {
	Addr string `toml:"addr"`
	// IdleTimeoutSeconds is how long an idle-tracked shared resource
	// stays up with no holders and no subscribers.
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
}

type HTTPConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type DBConfig struct {
	Path string `toml:"path"`
}

func LoadRoverConfig(path string) (RoverConfig, error) {
	var cfg RoverConfig
	if err := loadToml(path, &cfg); err != nil {
		return RoverConfig{}, err
	}
	applyDefaults(&cfg)
	if err := ValidateRoverConfig(cfg); err != nil {
		return RoverConfig{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file is
// given.
func Default() RoverConfig {
	var cfg RoverConfig
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *RoverConfig) {
	if cfg.Name == "" {
		cfg.Name = "roverd"
	}
	if cfg.I2C.Addr == 0 {
		cfg.I2C.Addr = 0x14
	}
	if cfg.UART.Device == "" {
		cfg.UART.Device = "/dev/ttyS0"
	}
	if cfg.UART.Baud == 0 {
		cfg.UART.Baud = 115200
	}
	if cfg.RPC.Addr == "" {
		cfg.RPC.Addr = ":7000"
	}
	if cfg.RPC.IdleTimeoutSeconds == 0 {
		cfg.RPC.IdleTimeoutSeconds = 30
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":9000"
	}
	if cfg.DB.Path == "" {
		cfg.DB.Path = "/var/lib/roverd/kv.db"
	}
}

// IdleTimeout returns the idle teardown window as a duration.
func (c RPCConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRoverConfig(cfg RoverConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("rover config missing name")
	}
	if cfg.I2C.Addr > 0x7F {
		return fmt.Errorf("i2c addr %#x is not a 7-bit address", cfg.I2C.Addr)
	}
	if strings.TrimSpace(cfg.UART.Device) == "" {
		return fmt.Errorf("uart config missing device")
	}
	if cfg.UART.Baud <= 0 {
		return fmt.Errorf("uart baud must be positive")
	}
	if strings.TrimSpace(cfg.RPC.Addr) == "" {
		return fmt.Errorf("rpc config missing addr")
	}
	if cfg.RPC.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("rpc idle timeout must not be negative")
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http config missing addr")
	}
	if strings.TrimSpace(cfg.DB.Path) == "" {
		return fmt.Errorf("db config missing path")
	}
	return nil
}
