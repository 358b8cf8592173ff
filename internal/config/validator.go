package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Tool defaults: jack_delay with jack_iodelay as the fallback.
	if len(cfg.Tool.Candidates) == 0 {
		cfg.Tool.Candidates = []string{"jack_delay", "jack_iodelay"}
	}
	if cfg.Tool.InPort == "" {
		cfg.Tool.InPort = "jack_delay:in"
	}
	if cfg.Tool.OutPort == "" {
		cfg.Tool.OutPort = "jack_delay:out"
	}

	// Measurement defaults.
	switch cfg.Measure.Mode {
	case "":
		cfg.Measure.Mode = "average"
	case "average", "raw":
	default:
		return fmt.Errorf("measure.mode must be average or raw, got %q", cfg.Measure.Mode)
	}
	if cfg.Measure.WindowS < 0 {
		return fmt.Errorf("measure.window_s must be >= 0")
	}
	if cfg.Measure.WindowS == 0 {
		cfg.Measure.WindowS = 10
	}
	if cfg.Measure.DebounceMS < 0 {
		return fmt.Errorf("measure.debounce_ms must be >= 0")
	}
	if cfg.Measure.DebounceMS == 0 {
		cfg.Measure.DebounceMS = 50
	}
	if cfg.Measure.StopGraceMS < 0 {
		return fmt.Errorf("measure.stop_grace_ms must be >= 0")
	}
	if cfg.Measure.StopGraceMS == 0 {
		cfg.Measure.StopGraceMS = 500
	}

	// Simulated graph defaults, one loopback pair.
	if len(cfg.Graph.SimCapturePorts) == 0 {
		cfg.Graph.SimCapturePorts = []string{"system:capture_1"}
	}
	if len(cfg.Graph.SimPlaybackPorts) == 0 {
		cfg.Graph.SimPlaybackPorts = []string{"system:playback_1"}
	}

	// MQTT is optional; default the topic when a broker is set.
	if cfg.MQTT.Broker != "" && cfg.MQTT.StatusTopic == "" {
		cfg.MQTT.StatusTopic = fmt.Sprintf("latmeter/status/%s", cfg.InstanceID)
	}

	return nil
}
