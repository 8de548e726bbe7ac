// Package config loads the pantrycam YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when -config is not given.
const DefaultPath = "pantrycam.yaml"

// Config is the complete service configuration.
type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Detector DetectorConfig `yaml:"detector"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Scans    ScansConfig    `yaml:"scans"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port             int    `yaml:"port"`
	Domain           string `yaml:"domain"` // serve HTTPS on 443 with an ephemeral certificate when set
	MaxUploadMB      int    `yaml:"max_upload_mb"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
}

// StoreConfig locates the document store.
type StoreConfig struct {
	Path       string `yaml:"path"` // snapshot file; empty uses pantrycam-data.json in the working directory
	Collection string `yaml:"collection"`
	InMemory   bool   `yaml:"in_memory"`
	TimeoutS   int    `yaml:"timeout_s"`
}

// DetectorConfig points at the inference server.
type DetectorConfig struct {
	URL          string `yaml:"url"` // ws:// endpoint; empty leaves detection unavailable
	TimeoutS     int    `yaml:"timeout_s"`
	MaxDimension int    `yaml:"max_dimension"`
	JPEGQuality  int    `yaml:"jpeg_quality"`
	CacheSize    int    `yaml:"cache_size"`
}

// MQTTConfig enables change events when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// ScansConfig bounds the capture history.
type ScansConfig struct {
	History int `yaml:"history"`
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8765,
			MaxUploadMB:      10,
			ShutdownTimeoutS: 5,
		},
		Store: StoreConfig{
			Collection: "inventory",
			TimeoutS:   5,
		},
		Detector: DetectorConfig{
			TimeoutS:     10,
			MaxDimension: 640,
			JPEGQuality:  90,
			CacheSize:    32,
		},
		MQTT: MQTTConfig{
			ClientID: "pantrycam",
			Topic:    "pantrycam/inventory",
		},
		Scans: ScansConfig{History: 50},
	}
}

// Validate fills zero values with defaults and rejects values that cannot work.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = def.Server.MaxUploadMB
	}
	if c.Server.ShutdownTimeoutS <= 0 {
		c.Server.ShutdownTimeoutS = def.Server.ShutdownTimeoutS
	}
	if c.Store.Collection == "" {
		c.Store.Collection = def.Store.Collection
	}
	if c.Store.TimeoutS <= 0 {
		c.Store.TimeoutS = def.Store.TimeoutS
	}
	if c.Detector.TimeoutS <= 0 {
		c.Detector.TimeoutS = def.Detector.TimeoutS
	}
	if c.Detector.MaxDimension < 0 {
		c.Detector.MaxDimension = 0
	}
	if c.Detector.JPEGQuality <= 0 || c.Detector.JPEGQuality > 100 {
		c.Detector.JPEGQuality = def.Detector.JPEGQuality
	}
	if c.Detector.CacheSize < 0 {
		c.Detector.CacheSize = 0
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}
	if c.Scans.History <= 0 {
		c.Scans.History = def.Scans.History
	}
	return nil
}

// StoreTimeout is the per round trip store deadline.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutS) * time.Second
}

// DetectorTimeout bounds one inference round trip.
func (c *Config) DetectorTimeout() time.Duration {
	return time.Duration(c.Detector.TimeoutS) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutS) * time.Second
}

// Load reads the YAML file at path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
