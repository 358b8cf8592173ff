package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete latmeter configuration
type Config struct {
	InstanceID string        `yaml:"instance_id"`
	Tool       ToolConfig    `yaml:"tool"`
	Measure    MeasureConfig `yaml:"measure"`
	Ports      PortsConfig   `yaml:"ports"`
	Graph      GraphConfig   `yaml:"graph"`
	MQTT       MQTTConfig    `yaml:"mqtt"`
	Health     HealthConfig  `yaml:"health"`
}

// ToolConfig describes the external measurement binary
type ToolConfig struct {
	// Candidates are binary names tried in preference order
	Candidates []string `yaml:"candidates"`
	// InPort and OutPort are the tool's well-known graph port names
	InPort  string `yaml:"in_port"`
	OutPort string `yaml:"out_port"`
}

// MeasureConfig contains measurement timing settings
type MeasureConfig struct {
	Mode        string `yaml:"mode"`          // average or raw
	WindowS     int    `yaml:"window_s"`      // measurement window after signal detection
	DebounceMS  int    `yaml:"debounce_ms"`   // registration-event debounce delay
	StopGraceMS int    `yaml:"stop_grace_ms"` // graceful stop window before forced kill
}

// PortsConfig is the initial physical port selection; either side may
// be empty and selected later through the controller
type PortsConfig struct {
	Capture  string `yaml:"capture"`
	Playback string `yaml:"playback"`
}

// GraphConfig configures the audio-graph service. With Simulate set (or
// no real server available) the in-process simulated graph is used,
// seeded with the listed physical ports.
type GraphConfig struct {
	Simulate         bool     `yaml:"simulate"`
	SimCapturePorts  []string `yaml:"sim_capture_ports"`
	SimPlaybackPorts []string `yaml:"sim_playback_ports"`
}

// MQTTConfig configures the optional status emitter. An empty broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	StatusTopic string `yaml:"status_topic"`
	QoS         byte   `yaml:"qos"`
}

// HealthConfig configures the read-only health endpoint. An empty port
// disables it.
type HealthConfig struct {
	Port string `yaml:"port"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a validated configuration with all defaults applied,
// for running without a config file.
func Default() *Config {
	cfg := &Config{InstanceID: "latmeter"}
	// Validate only fills defaults here; it cannot fail on this input.
	_ = Validate(cfg)
	return cfg
}

// Window returns the measurement window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Measure.WindowS) * time.Second
}

// Debounce returns the registration debounce delay as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Measure.DebounceMS) * time.Millisecond
}

// StopGrace returns the graceful-stop window as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Measure.StopGraceMS) * time.Millisecond
}
