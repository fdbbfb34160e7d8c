package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the groupq configuration file (~/.config/groupq/config.yaml).
type Config struct {
	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Quantization
	QuantConfig string `yaml:"quant_config"`
	DType       string `yaml:"dtype"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxElements   *int   `yaml:"max_elements"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "groupq", "config.yaml")
}

func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyQuantizeConfig fills the quantization config path and dtype when the
// flags were not given.
func applyQuantizeConfig(c *cli.Command, cfg Config, configFile, dtype *string) {
	if cfg.QuantConfig != "" && !c.IsSet("config") {
		*configFile = cfg.QuantConfig
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		*dtype = cfg.DType
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxElements *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxElements != nil && !c.IsSet("max-elements") {
		*maxElements = int64(*cfg.MaxElements)
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
