// Package config is the YAML configuration surface shared by the
// FlowScope binaries.
package config

import (
	"fmt"
	"math/bits"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"FlowScope/internal/engine"
)

// CaptureConfig selects the packet source and the real-time loop
// parameters.
type CaptureConfig struct {
	Interface             string `yaml:"interface"`
	BPF                   string `yaml:"bpf"`
	SnapLen               int    `yaml:"snap_len"`
	Promiscuous           bool   `yaml:"promiscuous"`
	Tick                  string `yaml:"tick"`
	MaxPacketsPerDispatch int    `yaml:"max_packets_per_dispatch"`
}

// EngineConfig tunes the aggregation core. Durations are strings in
// time.ParseDuration syntax.
type EngineConfig struct {
	Intervals    []string `yaml:"intervals"`
	RefWindow    string   `yaml:"ref_window"`
	RingCapacity int      `yaml:"ring_capacity"`
	TopN         int      `yaml:"top_n"`
	MaxFlows     int      `yaml:"max_flows"`
	TCPExpiry    string   `yaml:"tcp_expiry"`
	VideoExpiry  string   `yaml:"video_expiry"`
	RTSPTimeout  string   `yaml:"rtsp_timeout"`
}

// NATSConfig points the snapshot publisher / API subscriber at a
// NATS server.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ClickHouseConfig enables the optional ClickHouse snapshot writer.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// RelayConfig enables forwarding detected RTP datagrams over NATS.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// SnapshotConfig enables the optional on-disk snapshot writer.
type SnapshotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Interval string `yaml:"interval"`
}

// Config is the top-level configuration struct for the entire
// application.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Capture    CaptureConfig    `yaml:"capture"`
	Engine     EngineConfig     `yaml:"engine"`
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Relay      RelayConfig      `yaml:"relay"`
	API        APIConfig        `yaml:"api"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
}

// LoadConfig reads, parses and validates a YAML config file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Capture.SnapLen == 0 {
		c.Capture.SnapLen = 65535
	}
	if c.Capture.Tick == "" {
		c.Capture.Tick = "1ms"
	}
	if c.Capture.MaxPacketsPerDispatch == 0 {
		c.Capture.MaxPacketsPerDispatch = 256
	}
	if len(c.Engine.Intervals) == 0 {
		c.Engine.Intervals = []string{"5ms", "50ms", "500ms", "5s"}
	}
	if c.Engine.RefWindow == "" {
		c.Engine.RefWindow = "5s"
	}
	if c.Engine.RingCapacity == 0 {
		c.Engine.RingCapacity = 4096
	}
	if c.Engine.TopN == 0 {
		c.Engine.TopN = 10
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "flowscope.snapshots"
	}
	if c.Relay.Subject == "" {
		c.Relay.Subject = "flowscope.rtp"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.Snapshot.Interval == "" {
		c.Snapshot.Interval = "1s"
	}
}

// Validate checks the constraints the engine depends on: a non-empty
// ascending interval list, a power-of-two ring capacity, top-N at
// least 1.
func (c *Config) Validate() error {
	if c.Engine.TopN < 1 {
		return fmt.Errorf("engine.top_n must be >= 1, got %d", c.Engine.TopN)
	}
	if c.Engine.RingCapacity < 2 || bits.OnesCount(uint(c.Engine.RingCapacity)) != 1 {
		return fmt.Errorf("engine.ring_capacity must be a power of two >= 2, got %d", c.Engine.RingCapacity)
	}

	prev := time.Duration(0)
	for i, s := range c.Engine.Intervals {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("engine.intervals[%d]: %w", i, err)
		}
		if d <= prev {
			return fmt.Errorf("engine.intervals must be ascending, %q at index %d is not", s, i)
		}
		prev = d
	}

	for name, s := range map[string]string{
		"capture.tick":      c.Capture.Tick,
		"engine.ref_window": c.Engine.RefWindow,
		"snapshot.interval": c.Snapshot.Interval,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, s := range map[string]string{
		"engine.tcp_expiry":   c.Engine.TCPExpiry,
		"engine.video_expiry": c.Engine.VideoExpiry,
		"engine.rtsp_timeout": c.Engine.RTSPTimeout,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Tick returns the capture loop period.
func (c *Config) Tick() time.Duration {
	d, _ := time.ParseDuration(c.Capture.Tick)
	return d
}

// SnapshotInterval returns the reporting period.
func (c *Config) SnapshotInterval() time.Duration {
	d, _ := time.ParseDuration(c.Snapshot.Interval)
	return d
}

// EngineSettings converts the validated YAML view into the engine's
// own config struct.
func (c *Config) EngineSettings() engine.Config {
	out := engine.Config{
		RingPower: uint(bits.TrailingZeros(uint(c.Engine.RingCapacity))),
		TopN:      c.Engine.TopN,
		MaxFlows:  c.Engine.MaxFlows,
	}
	for _, s := range c.Engine.Intervals {
		d, _ := time.ParseDuration(s)
		out.Intervals = append(out.Intervals, d)
	}
	out.RefWindow, _ = time.ParseDuration(c.Engine.RefWindow)
	if c.Engine.TCPExpiry != "" {
		out.TCPExpiry, _ = time.ParseDuration(c.Engine.TCPExpiry)
	}
	if c.Engine.VideoExpiry != "" {
		out.VideoExpiry, _ = time.ParseDuration(c.Engine.VideoExpiry)
	}
	if c.Engine.RTSPTimeout != "" {
		out.RTSPTimeout, _ = time.ParseDuration(c.Engine.RTSPTimeout)
	}
	return out
}
