// Package config loads gobansocket settings from a YAML file and
// GOBANSOCKET_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kleeedolinux/gobansocket/socket"
)

const EnvPrefix = "GOBANSOCKET"

type Config struct {
	Socket struct {
		URL     string         `mapstructure:"url"`
		Options socket.Options `mapstructure:"options"`
	} `mapstructure:"socket"`

	Worker struct {
		// Mode is "inprocess" or "process".
		Mode       string `mapstructure:"mode"`
		Command    string `mapstructure:"command"`
		PageOrigin string `mapstructure:"page_origin"`
		BundledURL string `mapstructure:"bundled_url"`
		BaseURL    string `mapstructure:"base_url"`
		Version    string `mapstructure:"version"`
	} `mapstructure:"worker"`

	Server struct {
		Listen         string `mapstructure:"listen"`
		MaxConnections int    `mapstructure:"max_connections"`
	} `mapstructure:"server"`

	Log struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket.url", "http://localhost:8080")
	v.SetDefault("socket.options.ping_interval", 10000)
	v.SetDefault("socket.options.timeout_delay", 8000)
	v.SetDefault("worker.mode", "inprocess")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("log.level", "info")
}

// Load reads path (if non-empty) and the environment. A missing path is not
// an error; defaults and environment still apply.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	c, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	return c, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Worker.Mode {
	case "inprocess":
	case "process":
		if c.Worker.Command == "" {
			return fmt.Errorf("worker.command is required in process mode")
		}
	default:
		return fmt.Errorf("unknown worker.mode %q", c.Worker.Mode)
	}
	if c.Socket.Options.PingInterval < 0 || c.Socket.Options.TimeoutDelay < 0 {
		return fmt.Errorf("socket options must not be negative")
	}
	return nil
}

func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// WatchOptions calls apply with the patch between the previous and the new
// socket options each time the config file changes.
func WatchOptions(v *viper.Viper, current socket.Options, apply func(socket.OptionsPatch), logger *slog.Logger) {
	prev := current
	v.OnConfigChange(func(e fsnotify.Event) {
		c, err := decode(v)
		if err != nil {
			logger.Warn("config reload failed", "file", e.Name, "error", err)
			return
		}

		patch := prev.Diff(c.Socket.Options)
		prev = c.Socket.Options
		if patch.IsEmpty() {
			return
		}

		logger.Info("socket options reloaded", "file", e.Name, "op", e.Op.String())
		apply(patch)
	})
	v.WatchConfig()
}
