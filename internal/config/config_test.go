package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/go-tdoa/internal/geom"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.Server.Port)
	}

	if cfg.Solver.SpeedOfSound != 343 {
		t.Errorf("expected speed_of_sound 343, got %f", cfg.Solver.SpeedOfSound)
	}

	if len(cfg.Platforms) != 2 {
		t.Fatalf("expected 2 default platforms, got %d", len(cfg.Platforms))
	}

	if cfg.Simulation.Anchor != "drone1" {
		t.Errorf("expected anchor drone1, got %s", cfg.Simulation.Anchor)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestDefaultPlatforms_Independent(t *testing.T) {
	a := DefaultPlatforms()
	a[0].Sensors[0] = geom.P(9, 9, 9)

	b := DefaultPlatforms()
	if b[0].Sensors[0] != DroneSensorOffsets[0] {
		t.Errorf("default platforms share sensor storage")
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("expected default port 9100, got %d", cfg.Server.Port)
	}

	if len(cfg.Platforms) != 2 {
		t.Errorf("expected default fleet, got %d platforms", len(cfg.Platforms))
	}

	if cfg.Locator.ApproachOffset != geom.P(0, 0, -20) {
		t.Errorf("expected default approach offset, got %v", cfg.Locator.ApproachOffset)
	}
}

func TestLoad_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
solver:
  speed_of_sound: 340.5
platforms:
  - name: alpha
    origin: {x: 1, y: 2, z: -30}
    sensors:
      - {x: 0.5, y: 0, z: 0.1}
      - {x: 0, y: 0.5, z: 0.1}
      - {x: 0, y: -0.5, z: 0.1}
      - {x: -0.5, y: 0, z: -0.2}
locator:
  follower: alpha
  history_size: 10
simulation:
  anchor: alpha
  interval: 500ms
  jitter_sec: 0.000001
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Solver.SpeedOfSound != 340.5 {
		t.Errorf("expected speed_of_sound 340.5, got %f", cfg.Solver.SpeedOfSound)
	}

	if len(cfg.Platforms) != 1 {
		t.Fatalf("expected 1 platform, got %d", len(cfg.Platforms))
	}

	p := cfg.Platforms[0]
	if p.Name != "alpha" || p.Origin != geom.P(1, 2, -30) || len(p.Sensors) != 4 {
		t.Errorf("unexpected platform %+v", p)
	}

	if cfg.Simulation.Interval != 500*time.Millisecond {
		t.Errorf("expected interval 500ms, got %v", cfg.Simulation.Interval)
	}

	if cfg.Locator.HistorySize != 10 {
		t.Errorf("expected history_size 10, got %d", cfg.Locator.HistorySize)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GOTDOA_SERVER_PORT", "7777")
	t.Setenv("GOTDOA_STORE_PATH", "/tmp/fixes.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777 from env, got %d", cfg.Server.Port)
	}

	if cfg.Store.Path != "/tmp/fixes.db" {
		t.Errorf("expected store path from env, got %q", cfg.Store.Path)
	}
}

func TestConfig_Platform(t *testing.T) {
	cfg := Default()

	p, ok := cfg.Platform("drone2")
	if !ok {
		t.Fatal("expected drone2")
	}
	if got := p.Platform(); got.Name != "drone2" || len(got.Sensors) != 4 {
		t.Errorf("unexpected platform %+v", got)
	}

	if _, ok := cfg.Platform("missing"); ok {
		t.Error("expected missing platform lookup to fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port too low",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid port too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "zero speed of sound",
			modify: func(c *Config) {
				c.Solver.SpeedOfSound = 0
			},
			wantErr: true,
		},
		{
			name: "no platforms",
			modify: func(c *Config) {
				c.Platforms = nil
			},
			wantErr: true,
		},
		{
			name: "duplicate platform",
			modify: func(c *Config) {
				c.Platforms[1].Name = c.Platforms[0].Name
			},
			wantErr: true,
		},
		{
			name: "too few sensors",
			modify: func(c *Config) {
				c.Platforms = c.Platforms[:1]
				c.Platforms[0].Sensors = c.Platforms[0].Sensors[:3]
			},
			wantErr: true,
		},
		{
			name: "unknown follower",
			modify: func(c *Config) {
				c.Locator.Follower = "ghost"
			},
			wantErr: true,
		},
		{
			name: "unknown anchor",
			modify: func(c *Config) {
				c.Simulation.Anchor = "ghost"
			},
			wantErr: true,
		},
		{
			name: "unknown anchor ignored when simulation disabled",
			modify: func(c *Config) {
				c.Simulation.Enabled = false
				c.Simulation.Anchor = "ghost"
			},
			wantErr: false,
		},
		{
			name: "negative jitter",
			modify: func(c *Config) {
				c.Simulation.JitterSec = -1
			},
			wantErr: true,
		},
		{
			name: "invalid rate limit",
			modify: func(c *Config) {
				c.Motion.RateLimitHz = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_Timeouts(t *testing.T) {
	cfg := Default()

	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}

	if cfg.Server.GracefulTimeout != 5*time.Second {
		t.Errorf("expected graceful_timeout 5s, got %v", cfg.Server.GracefulTimeout)
	}
}
