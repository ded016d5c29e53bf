package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/services"
	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port                 string       `yaml:"port" env:"PORT"`
	LogLevel             string       `yaml:"logLevel" env:"LOG_LEVEL"`
	SystemPrompt         string       `yaml:"systemPrompt"`
	TitleGeneratorPrompt string       `yaml:"titleGeneratorPrompt"`
	Ollama               ollamaConfig `yaml:"ollama"`
}

type ollamaConfig struct {
	Host    string        `yaml:"host" env:"OLLAMA_HOST"`
	Model   string        `yaml:"model" env:"OLLAMA_MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"OLLAMA_TIMEOUT"`
}

const (
	defaultPort                 = "8080"
	defaultTitleGeneratorPrompt = "Generate a short title, at most six words, for a conversation that starts " +
		"with the following message. Reply with the title only."
)

func defaultConfig() config {
	return config{
		Port:                 defaultPort,
		LogLevel:             "info",
		TitleGeneratorPrompt: defaultTitleGeneratorPrompt,
		Ollama: ollamaConfig{
			Host:    services.DefaultHost,
			Model:   services.DefaultModel,
			Timeout: services.DefaultTimeout,
		},
	}
}

// configPath returns the location of the config file, creating its directory if needed.
func configPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, "ollamachat")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// loadConfig layers the config file at path and then the environment over the defaults. A missing or empty
// file is not an error.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("error parsing env config: %w", err)
	}

	if _, err := cfg.level(); err != nil {
		return config{}, err
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	return cfg, nil
}

func (c config) level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func (o ollamaConfig) service() services.OllamaConfig {
	return services.OllamaConfig{
		Host:    o.Host,
		Model:   o.Model,
		Timeout: o.Timeout,
	}
}

// UnmarshalYAML accepts the timeout either as a duration string ("30s") or as a number of milliseconds.
func (o *ollamaConfig) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Host    string    `yaml:"host"`
		Model   string    `yaml:"model"`
		Timeout yaml.Node `yaml:"timeout"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Host != "" {
		o.Host = rawConfig.Host
	}
	if rawConfig.Model != "" {
		o.Model = rawConfig.Model
	}

	if rawConfig.Timeout.Kind == 0 {
		return nil
	}
	var millis int64
	if err := rawConfig.Timeout.Decode(&millis); err == nil {
		o.Timeout = time.Duration(millis) * time.Millisecond
		return nil
	}
	var timeout time.Duration
	if err := rawConfig.Timeout.Decode(&timeout); err != nil {
		return fmt.Errorf("invalid ollama timeout %q: want a duration or milliseconds", rawConfig.Timeout.Value)
	}
	o.Timeout = timeout

	return nil
}
