// Package config provides configuration management for go-tdoa
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/sensor"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// Config is the root configuration structure
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Solver     SolverConfig     `mapstructure:"solver"`
	Platforms  []PlatformConfig `mapstructure:"platforms"`
	Locator    LocatorConfig    `mapstructure:"locator"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Motion     MotionConfig     `mapstructure:"motion"`
	Store      StoreConfig      `mapstructure:"store"`
	Uplink     UplinkConfig     `mapstructure:"uplink"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// SolverConfig configures the TDOA solver
type SolverConfig struct {
	SpeedOfSound float64 `mapstructure:"speed_of_sound"` // m/s
	MaxCondition float64 `mapstructure:"max_condition"`
}

// PlatformConfig describes one sensor-carrying platform
type PlatformConfig struct {
	Name    string        `mapstructure:"name" json:"name"`
	Origin  geom.Point3   `mapstructure:"origin" json:"origin"`   // initial world position
	Sensors []geom.Point3 `mapstructure:"sensors" json:"sensors"` // offsets in the platform frame
}

// Platform converts the entry to a sensor.Platform.
func (p PlatformConfig) Platform() sensor.Platform {
	return sensor.NewPlatform(p.Name, p.Sensors...)
}

// LocatorConfig configures the event loop
type LocatorConfig struct {
	HistorySize int `mapstructure:"history_size"`
	QueueSize   int `mapstructure:"queue_size"`

	// Follower is moved toward each fix; empty disables following
	Follower       string      `mapstructure:"follower"`
	ApproachOffset geom.Point3 `mapstructure:"approach_offset"`
}

// SimulationConfig configures the simulated gunshot generator
type SimulationConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Anchor    string        `mapstructure:"anchor"`    // platform the shots spawn around
	Listeners []string      `mapstructure:"listeners"` // platforms whose sensors hear the shots; empty means all
	GroundZ   float64       `mapstructure:"ground_z"`
	ZSpread   float64       `mapstructure:"z_spread"`
	JitterSec float64       `mapstructure:"jitter_sec"` // std dev of arrival time noise
	Seed      int64         `mapstructure:"seed"`       // 0 picks a time-based seed
}

// MotionConfig configures the flight controller client
type MotionConfig struct {
	BaseURL     string        `mapstructure:"base_url"` // empty moves simulated platforms only
	Velocity    float64       `mapstructure:"velocity"`
	RateLimitHz int           `mapstructure:"rate_limit_hz"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StoreConfig configures the fix log
type StoreConfig struct {
	Path string `mapstructure:"path"` // empty disables persistence
}

// UplinkConfig configures the collector WebSocket connection
type UplinkConfig struct {
	URL               string        `mapstructure:"url"` // empty disables the uplink
	Station           string        `mapstructure:"station"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// DroneSensorOffsets is the microphone layout of the reference drone: three
// microphones on the rotor arms and one under the body.
var DroneSensorOffsets = []geom.Point3{
	geom.P(0.5, 0, 0.1),
	geom.P(0, 0.5, 0.1),
	geom.P(0, -0.5, 0.1),
	geom.P(-0.5, 0, -0.2),
}

// DefaultPlatforms returns a two-drone fleet hovering in the NED frame
// (negative z is up).
func DefaultPlatforms() []PlatformConfig {
	return []PlatformConfig{
		{Name: "drone1", Origin: geom.P(0, 0, -20), Sensors: append([]geom.Point3(nil), DroneSensorOffsets...)},
		{Name: "drone2", Origin: geom.P(30, 10, -25), Sensors: append([]geom.Point3(nil), DroneSensorOffsets...)},
	}
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9100,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Solver: SolverConfig{
			SpeedOfSound: tdoa.DefaultSpeedOfSound,
			MaxCondition: tdoa.DefaultMaxCondition,
		},
		Platforms: DefaultPlatforms(),
		Locator: LocatorConfig{
			HistorySize:    100,
			QueueSize:      64,
			ApproachOffset: geom.P(0, 0, -20),
		},
		Simulation: SimulationConfig{
			Enabled:  true,
			Interval: 2 * time.Second,
			Anchor:   "drone1",
			GroundZ:  -3,
			ZSpread:  2,
		},
		Motion: MotionConfig{
			Velocity:    5,
			RateLimitHz: 2,
			Timeout:     2 * time.Second,
		},
		Uplink: UplinkConfig{
			Station:           "go-tdoa",
			ReconnectDelay:    1 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
			PingInterval:      15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Missing file falls back to defaults
			slog.Warn("config file not loaded, using defaults", "path", path, "error", err)
		}
	}

	v.SetEnvPrefix("GOTDOA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Platforms) == 0 {
		cfg.Platforms = DefaultPlatforms()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Solver defaults
	v.SetDefault("solver.speed_of_sound", d.Solver.SpeedOfSound)
	v.SetDefault("solver.max_condition", d.Solver.MaxCondition)

	// Locator defaults
	v.SetDefault("locator.history_size", d.Locator.HistorySize)
	v.SetDefault("locator.queue_size", d.Locator.QueueSize)
	v.SetDefault("locator.follower", "")
	v.SetDefault("locator.approach_offset.x", d.Locator.ApproachOffset.X)
	v.SetDefault("locator.approach_offset.y", d.Locator.ApproachOffset.Y)
	v.SetDefault("locator.approach_offset.z", d.Locator.ApproachOffset.Z)

	// Simulation defaults
	v.SetDefault("simulation.enabled", d.Simulation.Enabled)
	v.SetDefault("simulation.interval", "2s")
	v.SetDefault("simulation.anchor", d.Simulation.Anchor)
	v.SetDefault("simulation.listeners", []string{})
	v.SetDefault("simulation.ground_z", d.Simulation.GroundZ)
	v.SetDefault("simulation.z_spread", d.Simulation.ZSpread)
	v.SetDefault("simulation.jitter_sec", 0.0)
	v.SetDefault("simulation.seed", 0)

	// Motion defaults
	v.SetDefault("motion.base_url", "")
	v.SetDefault("motion.velocity", d.Motion.Velocity)
	v.SetDefault("motion.rate_limit_hz", d.Motion.RateLimitHz)
	v.SetDefault("motion.timeout", "2s")

	// Store defaults
	v.SetDefault("store.path", "")

	// Uplink defaults
	v.SetDefault("uplink.url", "")
	v.SetDefault("uplink.station", d.Uplink.Station)
	v.SetDefault("uplink.reconnect_delay", "1s")
	v.SetDefault("uplink.max_reconnect_delay", "30s")
	v.SetDefault("uplink.ping_interval", "15s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Platform returns the named platform entry.
func (c *Config) Platform(name string) (PlatformConfig, bool) {
	for _, p := range c.Platforms {
		if p.Name == name {
			return p, true
		}
	}
	return PlatformConfig{}, false
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Solver.SpeedOfSound <= 0 {
		return fmt.Errorf("speed_of_sound must be positive, got %f", c.Solver.SpeedOfSound)
	}

	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one platform is required")
	}

	seen := make(map[string]bool, len(c.Platforms))
	total := 0
	for _, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("platform name must not be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate platform %q", p.Name)
		}
		seen[p.Name] = true
		total += len(p.Sensors)
	}
	if total < tdoa.MinSensors {
		return fmt.Errorf("platforms carry %d sensors, need at least %d", total, tdoa.MinSensors)
	}

	if c.Locator.HistorySize < 1 {
		return fmt.Errorf("history_size must be positive, got %d", c.Locator.HistorySize)
	}

	if c.Locator.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", c.Locator.QueueSize)
	}

	if c.Locator.Follower != "" && !seen[c.Locator.Follower] {
		return fmt.Errorf("follower %q is not a configured platform", c.Locator.Follower)
	}

	if c.Simulation.Enabled {
		if c.Simulation.Interval <= 0 {
			return fmt.Errorf("simulation interval must be positive, got %v", c.Simulation.Interval)
		}
		if !seen[c.Simulation.Anchor] {
			return fmt.Errorf("simulation anchor %q is not a configured platform", c.Simulation.Anchor)
		}
		for _, l := range c.Simulation.Listeners {
			if !seen[l] {
				return fmt.Errorf("simulation listener %q is not a configured platform", l)
			}
		}
		if c.Simulation.JitterSec < 0 {
			return fmt.Errorf("jitter_sec must not be negative, got %f", c.Simulation.JitterSec)
		}
	}

	if c.Motion.RateLimitHz < 1 || c.Motion.RateLimitHz > 100 {
		return fmt.Errorf("rate_limit_hz must be between 1 and 100, got %d", c.Motion.RateLimitHz)
	}

	return nil
}
