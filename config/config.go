// Package config loads EntityDB settings from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/nickyhof/EntityDB/blob"
	"github.com/nickyhof/EntityDB/core"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type Identity struct {
	Name  string `yaml:"name" default:"entitydb"`
	Email string `yaml:"email" default:"entitydb@localhost"`
}

type Config struct {
	// BaseDir holds the git store. An empty BaseDir keeps the store in
	// memory.
	BaseDir string `yaml:"baseDir"`
	// StoreName names a store created on first open.
	StoreName        string   `yaml:"storeName"`
	ActiveVersion    string   `yaml:"activeVersion" default:"main"`
	Identity         Identity `yaml:"identity"`
	RewriteCacheSize int      `yaml:"rewriteCacheSize" default:"256"`
	LogLevel         string   `yaml:"logLevel" default:"info"`

	// S3 authenticates blob transfers to s3:// locations.
	S3 blob.S3Config `yaml:"s3"`

	Logger *logrus.Logger `yaml:"-"`
}

// Default returns a Config with every default applied.
func Default() (Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads a config file. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default()
	}
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func (cfg Config) Validate() error {
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid logLevel: %w", err)
	}
	if cfg.RewriteCacheSize < 0 {
		return fmt.Errorf("invalid rewriteCacheSize: %d", cfg.RewriteCacheSize)
	}
	if strings.TrimSpace(cfg.ActiveVersion) == "" {
		return fmt.Errorf("activeVersion must not be empty")
	}
	return nil
}

func (cfg Config) CoreIdentity() core.Identity {
	return core.Identity{Name: cfg.Identity.Name, Email: cfg.Identity.Email}
}

// NewLogger returns cfg.Logger, or a new logger at cfg.LogLevel.
func (cfg Config) NewLogger() *logrus.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
