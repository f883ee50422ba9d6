// Package config provides configuration management for fmp4streamd using
// Viper, layering flags, a config file, and environment variables, per
// spec.md §6's CLI surface.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values, per spec.md §6.
const (
	DefaultPorts       = "4555,4556,4557"
	DefaultSegmentSecs = 6.0
)

// Ports is the parsed "-p/--ports <http,https,rtsp>" flag value.
type Ports struct {
	HTTP  int
	HTTPS int
	RTSP  int
}

// ParsePorts parses a comma-separated "http,https,rtsp" triple.
func ParsePorts(s string) (Ports, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Ports{}, fmt.Errorf("config: -p/--ports wants http,https,rtsp, got %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Ports{}, fmt.Errorf("config: invalid port %q: %w", p, err)
		}
		nums[i] = n
	}
	return Ports{HTTP: nums[0], HTTPS: nums[1], RTSP: nums[2]}, nil
}

// Config holds every setting fmp4streamd needs once flags, config file, and
// environment have been merged by Viper.
type Config struct {
	Ports    Ports  `mapstructure:"-"`
	PortsRaw string `mapstructure:"ports"`

	Root    string  `mapstructure:"root"`
	Segment float64 `mapstructure:"segment"`
	Cache   bool    `mapstructure:"cache"`
	Basic   string  `mapstructure:"basic"`
	Digest  string  `mapstructure:"digest"`
	Keys    string  `mapstructure:"keys"`
	Verbose bool    `mapstructure:"verb"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig mirrors the ambient logging shape: level and format,
// consumed by internal/config's NewLogger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults installs fmp4streamd's default configuration values into v,
// called before any config file or environment variables are read.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("ports", DefaultPorts)
	v.SetDefault("root", ".")
	v.SetDefault("segment", DefaultSegmentSecs)
	v.SetDefault("cache", false)
	v.SetDefault("verb", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load builds a Config from v, parsing the combined ports string into its
// three integer fields.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	ports, err := ParsePorts(v.GetString("ports"))
	if err != nil {
		return nil, err
	}
	cfg.Ports = ports
	return cfg, nil
}

// SegmentDuration returns Segment as a time.Duration, for callers that
// want it alongside the float64 seconds value segment.New expects.
func (c *Config) SegmentDuration() time.Duration {
	return time.Duration(c.Segment * float64(time.Second))
}
