package proactor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

const (
	defListenAddress = "127.0.0.1"
	defPort          = 8081
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
	Console  bool   `yaml:"console" toml:"console"`
}

type ServerConfig struct {
	Address          string        `yaml:"address" toml:"address"`
	Port             int           `yaml:"port" toml:"port"`
	Backlog          int           `yaml:"backlog" toml:"backlog"`
	StatsIntervalSec int           `yaml:"stats_interval_sec" toml:"stats_interval_sec"`
	OpenFilesLimit   uint64        `yaml:"open_files_limit" toml:"open_files_limit"`
	Socket           SocketOptions `yaml:"socket" toml:"socket"`
}

type ClientConfig struct {
	Address string        `yaml:"address" toml:"address"`
	Port    int           `yaml:"port" toml:"port"`
	Socket  SocketOptions `yaml:"socket" toml:"socket"`
}

type Config struct {
	Global   Global         `yaml:"global" toml:"global"`
	Proactor ProactorConfig `yaml:"proactor" toml:"proactor"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Client   ClientConfig   `yaml:"client" toml:"client"`
}

// DefaultConfig is used when no configuration file is given.
func DefaultConfig() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

// LoadConfig reads a .yaml/.yml or .toml file.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	switch filepath.Ext(filePath) {
	case ".toml":
		err = toml.Unmarshal(file, config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, config)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("can't parse %s: %w", filePath, err)
	}
	applyDefaults(config)
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filePath, err)
	}
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = "info"
	}
	if config.Proactor.Name == "" {
		config.Proactor.Name = "MainLoop"
	}
	if config.Proactor.ReadBufferSize <= 0 {
		config.Proactor.ReadBufferSize = defReadBufferSize
	}
	if config.Server.Address == "" {
		config.Server.Address = defListenAddress
	}
	if config.Server.Port == 0 {
		config.Server.Port = defPort
	}
	if config.Client.Address == "" {
		config.Client.Address = config.Server.Address
	}
	if config.Client.Port == 0 {
		config.Client.Port = config.Server.Port
	}
}

func validateConfig(config *Config) error {
	if config.Server.Port < 0 || config.Server.Port > 0xffff {
		return fmt.Errorf("server port out of range: %d", config.Server.Port)
	}
	if config.Client.Port <= 0 || config.Client.Port > 0xffff {
		return fmt.Errorf("client port out of range: %d", config.Client.Port)
	}
	if config.Proactor.EventBufferSize < 0 {
		return fmt.Errorf("negative event buffer size: %d", config.Proactor.EventBufferSize)
	}
	return nil
}
