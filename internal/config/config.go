// Package config provides the operational configuration shared by the
// dispatcher and the clip worker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ARD_"

// Config holds the complete configuration. Values come from defaults, then
// the YAML file, then ARD_* environment variables.
type Config struct {
	// ConnStr is the state store connection string. It is a secret.
	ConnStr string `yaml:"connstr" env:"CONNSTR"`

	// WorkDir holds unpacked scenes and per-tile scratch directories.
	WorkDir string `yaml:"workdir" env:"WORKDIR"`
	// OutDir is the product root; each mission writes below OutDir/<family>.
	OutDir string `yaml:"outdir" env:"OUTDIR"`
	// AuxDir holds pathrow2region.txt and the grid and footprint data.
	AuxDir string `yaml:"auxdir" env:"AUXDIR"`
	// Profile is the band profile YAML (datatype, rename, package, xml).
	Profile string `yaml:"profile" env:"PROFILE"`

	// Products are packaged for every tile; Satellites limit the missions
	// the dispatcher segments.
	Products   []string `yaml:"products" env:"PRODUCTS"`
	Satellites []string `yaml:"satellites" env:"SATELLITES"`

	MinScenesPerTile    int `yaml:"min_scenes_per_tile" env:"MIN_SCENES_PER_TILE"`
	MaxScenesPerTile    int `yaml:"max_scenes_per_tile" env:"MAX_SCENES_PER_TILE"`
	MinScenesPerSegment int `yaml:"min_scenes_per_segment" env:"MIN_SCENES_PER_SEGMENT"`
	NeighborRows        int `yaml:"neighbor_rows" env:"NEIGHBOR_ROWS"`

	Collection int     `yaml:"collection" env:"COLLECTION"`
	Version    int     `yaml:"version" env:"VERSION"`
	Resolution float64 `yaml:"resolution" env:"RESOLUTION"`

	// HSMStage asks the staging service at StagingURL to recall archives
	// before they are unpacked. Staging failures are logged and ignored.
	HSMStage   bool   `yaml:"hsmstage" env:"HSMSTAGE"`
	StagingURL string `yaml:"staging_url" env:"STAGING_URL"`

	// Dispatcher limits, task resources and endpoints; see dispatch.Options.
	MaxJobs          int           `yaml:"max_jobs" env:"MAX_JOBS"`
	MaxFailedJobs    int           `yaml:"max_failed_jobs" env:"MAX_FAILED_JOBS"`
	CPUs             float64       `yaml:"cpus" env:"CPUS"`
	Memory           int           `yaml:"memory" env:"MEMORY"`
	Disk             int           `yaml:"disk" env:"DISK"`
	OfferInterval    time.Duration `yaml:"offer_interval" env:"OFFER_INTERVAL"`
	LaunchesPerOffer int           `yaml:"launches_per_offer" env:"LAUNCHES_PER_OFFER"`
	WorkerCommand    string        `yaml:"worker_command" env:"WORKER_COMMAND"`
	TZPath           string        `yaml:"tz_path" env:"TZ_PATH"`
	StatusAddr       string        `yaml:"status_addr" env:"STATUS_ADDR"`

	// MetadataCommand writes one xml group document from a JSON request.
	MetadataCommand string `yaml:"metadata_command" env:"METADATA_COMMAND"`

	// Debug keeps tile work directories after successful builds.
	Debug bool      `yaml:"debug" env:"DEBUG"`
	Log   LogConfig `yaml:"log" envPrefix:"LOG_"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn or error
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Products:            []string{"TA", "BT", "SR", "ST", "QA"},
		MinScenesPerTile:    1,
		MaxScenesPerTile:    3,
		MinScenesPerSegment: 3,
		NeighborRows:        2,
		Collection:          1,
		Version:             1,
		Resolution:          30,
		MaxJobs:             10,
		MaxFailedJobs:       20,
		CPUs:                1,
		Memory:              5120,
		Disk:                10240,
		OfferInterval:       5 * time.Second,
		LaunchesPerOffer:    4,
		WorkerCommand:       "ardtile",
		TZPath:              "/usr/share/zoneinfo",
		MetadataCommand:     "ard_metadata",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
		cfg.Path = path
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	required := []struct {
		name, value string
	}{
		{"connstr", c.ConnStr},
		{"workdir", c.WorkDir},
		{"outdir", c.OutDir},
		{"auxdir", c.AuxDir},
		{"profile", c.Profile},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if len(c.Products) == 0 {
		return fmt.Errorf("at least one product is required")
	}

	if _, err := c.Missions(); err != nil {
		return err
	}

	if c.MinScenesPerTile < 1 {
		return fmt.Errorf("min_scenes_per_tile must be at least 1, got %d", c.MinScenesPerTile)
	}

	if c.MaxScenesPerTile < c.MinScenesPerTile {
		return fmt.Errorf("max_scenes_per_tile (%d) must be >= min_scenes_per_tile (%d)", c.MaxScenesPerTile, c.MinScenesPerTile)
	}

	// Lineage levels are encoded 1..3.
	if c.MaxScenesPerTile > 3 {
		return fmt.Errorf("max_scenes_per_tile must be at most 3, got %d", c.MaxScenesPerTile)
	}

	if c.MinScenesPerSegment < 1 {
		return fmt.Errorf("min_scenes_per_segment must be at least 1, got %d", c.MinScenesPerSegment)
	}

	if c.NeighborRows < 1 {
		return fmt.Errorf("neighbor_rows must be at least 1, got %d", c.NeighborRows)
	}

	if c.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive, got %g", c.Resolution)
	}

	if c.MaxJobs < 1 {
		return fmt.Errorf("max_jobs must be at least 1, got %d", c.MaxJobs)
	}

	if c.MaxFailedJobs < 1 {
		return fmt.Errorf("max_failed_jobs must be at least 1, got %d", c.MaxFailedJobs)
	}

	if c.LaunchesPerOffer < 1 {
		return fmt.Errorf("launches_per_offer must be at least 1, got %d", c.LaunchesPerOffer)
	}

	if c.OfferInterval <= 0 {
		return fmt.Errorf("offer_interval must be positive, got %s", c.OfferInterval)
	}

	if c.HSMStage && c.StagingURL == "" {
		return fmt.Errorf("staging_url is required when hsmstage is set")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	return nil
}

// Missions returns the configured satellites; empty means all.
func (c *Config) Missions() ([]ard.Mission, error) {
	out := make([]ard.Mission, 0, len(c.Satellites))
	for _, s := range c.Satellites {
		m, err := ard.ParseMission(s)
		if err != nil {
			return nil, fmt.Errorf("satellites: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// OutputPath returns the per-family output directory for a mission.
func (c *Config) OutputPath(m ard.Mission) string {
	return filepath.Join(c.OutDir, string(m.Family()))
}
