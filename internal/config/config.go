// Package config handles configuration loading for the slide tile server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Tiles  TilesConfig  `yaml:"tiles"`
	Cache  CacheConfig  `yaml:"cache"`
	Export ExportConfig `yaml:"export"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// SlideConfig describes one slide source.
type SlideConfig struct {
	// Format selects the reader: synthetic, pyramid, or bioimg.
	Format string `yaml:"format"`
	// Path is the slide directory (pyramid) or array URI (bioimg).
	Path string `yaml:"path"`
	// Width, Height, Levels, and Seed shape a synthetic slide.
	Width  int64 `yaml:"width"`
	Height int64 `yaml:"height"`
	Levels int   `yaml:"levels"`
	Seed   int64 `yaml:"seed"`
	// SerializeDecode funnels all decodes through one lock, for sources
	// whose underlying reader is not safe for concurrent use.
	SerializeDecode bool `yaml:"serialize_decode"`
}

// DataConfig contains the slide table. Slide order follows the YAML
// declaration order, so listings match the config file.
type DataConfig struct {
	DefaultSlide string                 `yaml:"default_slide"`
	Slides       map[string]SlideConfig `yaml:"slides"`

	slideOrder []string
}

// UnmarshalYAML decodes the data section while recording the slide keys in
// declaration order, which plain map decoding would lose.
func (d *DataConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultSlide string    `yaml:"default_slide"`
		Slides       yaml.Node `yaml:"slides"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d.DefaultSlide = raw.DefaultSlide
	d.Slides = make(map[string]SlideConfig)
	d.slideOrder = nil
	if raw.Slides.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(raw.Slides.Content); i += 2 {
			keyNode := raw.Slides.Content[i]
			valNode := raw.Slides.Content[i+1]
			var sc SlideConfig
			if err := valNode.Decode(&sc); err != nil {
				return fmt.Errorf("slide %q: %w", keyNode.Value, err)
			}
			d.Slides[keyNode.Value] = sc
			d.slideOrder = append(d.slideOrder, keyNode.Value)
		}
	}
	return nil
}

// SlideIDs returns all slide IDs in config order.
func (d *DataConfig) SlideIDs() []string {
	return d.slideOrder
}

// TilesConfig contains tile manager settings, shared by all slides.
type TilesConfig struct {
	TileSize int `yaml:"tile_size"`
	Workers  int `yaml:"workers"`
	// Halo is the prefetch margin in tiles around the viewport. Zero means
	// the default of 4; negative disables the halo.
	Halo         int   `yaml:"halo"`
	Capacities   []int `yaml:"capacities"`
	DrainOnClose bool  `yaml:"drain_on_close"`
}

// CacheConfig contains settings for the shared encoded-image cache.
type CacheConfig struct {
	EncodedSizeMB     int `yaml:"encoded_size_mb"`
	EncodedTTLMinutes int `yaml:"encoded_ttl_minutes"`
}

// ExportConfig contains region export settings.
type ExportConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	OutputDir     string `yaml:"output_dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration: a synthetic demo slide
// so the server runs without any data on disk.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			DefaultSlide: "demo",
			Slides: map[string]SlideConfig{
				"demo": {Format: "synthetic", Width: 16384, Height: 16384, Levels: 4, Seed: 42},
			},
			slideOrder: []string{"demo"},
		},
		Tiles: TilesConfig{
			TileSize: 256,
			Workers:  4,
		},
		Cache: CacheConfig{
			EncodedSizeMB:     256,
			EncodedTTLMinutes: 10,
		},
		Export: ExportConfig{
			SQLitePath:    "./data/export_jobs.sqlite",
			OutputDir:     "./data/exports",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Slides) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Data.DefaultSlide == "" {
		cfg.Data.DefaultSlide = cfg.Data.slideOrder[0]
	}
	if cfg.Tiles.TileSize == 0 {
		cfg.Tiles.TileSize = defaults.Tiles.TileSize
	}
	if cfg.Tiles.Workers == 0 {
		cfg.Tiles.Workers = defaults.Tiles.Workers
	}
	if cfg.Cache.EncodedSizeMB == 0 {
		cfg.Cache.EncodedSizeMB = defaults.Cache.EncodedSizeMB
	}
	if cfg.Cache.EncodedTTLMinutes == 0 {
		cfg.Cache.EncodedTTLMinutes = defaults.Cache.EncodedTTLMinutes
	}
	if cfg.Export.SQLitePath == "" {
		cfg.Export.SQLitePath = defaults.Export.SQLitePath
	}
	if cfg.Export.OutputDir == "" {
		cfg.Export.OutputDir = defaults.Export.OutputDir
	}
	if cfg.Export.MaxConcurrent == 0 {
		cfg.Export.MaxConcurrent = defaults.Export.MaxConcurrent
	}
	if cfg.Export.RetentionDays == 0 {
		cfg.Export.RetentionDays = defaults.Export.RetentionDays
	}
}
