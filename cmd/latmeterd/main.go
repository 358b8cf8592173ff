package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolab/latmeter/internal/config"
	"github.com/audiolab/latmeter/internal/core"
	"github.com/audiolab/latmeter/internal/emitter"
	"github.com/audiolab/latmeter/internal/graph"
	"github.com/audiolab/latmeter/internal/statusbus"
	"github.com/audiolab/latmeter/internal/types"
)

const defaultConfigPath = "config/latmeter.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	mode := flag.String("mode", "", "Measurement mode override (average or raw)")
	capturePort := flag.String("capture", "", "Capture port override")
	playbackPort := flag.String("playback", "", "Playback port override")
	flag.Parse()

	// Structured logs go to stderr; measurement status stays on stdout.
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting latmeter service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *capturePort != "" {
		cfg.Ports.Capture = *capturePort
	}
	if *playbackPort != "" {
		cfg.Ports.Playback = *playbackPort
	}
	if *mode != "" {
		cfg.Measure.Mode = *mode
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	g := buildGraph(cfg)
	defer g.Close()

	bus := statusbus.New()
	defer bus.Close()

	ctrl := core.New(cfg, g, bus)

	if cfg.Health.Port != "" {
		ctrl.StartHealthServer(cfg.Health.Port)
	}

	var mq *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mq = emitter.NewMQTTEmitter(cfg, bus)
		if err := mq.Connect(ctx); err != nil {
			slog.Error("failed to connect to mqtt broker", "error", err)
			os.Exit(1)
		}
		if err := mq.Run(ctx); err != nil {
			slog.Error("failed to start mqtt emitter", "error", err)
			os.Exit(1)
		}
	}

	resultCh := startConsoleSink(bus)

	errChan := make(chan error, 1)
	go func() {
		errChan <- ctrl.Run(ctx)
	}()

	ctrl.Start()

	exitCode := 0
	stopped := false
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		ctrl.Stop()
		// Give the session a moment to finalize before tearing down.
		select {
		case <-resultCh:
		case <-time.After(2*cfg.StopGrace() + 2*time.Second):
			slog.Warn("session did not finalize before shutdown")
		}
		cancel()
	case <-resultCh:
		cancel()
	case err := <-errChan:
		stopped = true
		if err != nil {
			slog.Error("controller failed", "error", err)
			exitCode = 1
		}
	}

	// Wait for the controller loop to drain and stop.
	if !stopped {
		select {
		case err := <-errChan:
			if err != nil {
				slog.Error("controller failed", "error", err)
				exitCode = 1
			}
		case <-time.After(10 * time.Second):
			slog.Error("controller did not stop in time")
			exitCode = 1
		}
	}

	cancel()
	if mq != nil {
		if err := mq.Disconnect(); err != nil {
			slog.Error("mqtt disconnect failed", "error", err)
		}
	}

	slog.Info("latmeter service stopped")
	os.Exit(exitCode)
}

// loadConfig reads the config file, falling back to built-in defaults
// when the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		slog.Info("no config file found, using defaults", "path", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildGraph returns the audio graph backend. Only the simulator is
// linked in; a native server backend needs cgo bindings this build
// does not carry, so simulate: false falls back with a warning.
func buildGraph(cfg *config.Config) graph.Service {
	if !cfg.Graph.Simulate {
		slog.Warn("native graph backend not available, using simulator")
	}

	var seed []types.Port
	for _, name := range cfg.Graph.SimCapturePorts {
		seed = append(seed, types.Port{Name: name, Direction: types.Output, Physical: true})
	}
	for _, name := range cfg.Graph.SimPlaybackPorts {
		seed = append(seed, types.Port{Name: name, Direction: types.Input, Physical: true})
	}
	return graph.NewSim(seed...)
}

// startConsoleSink subscribes to the status bus and mirrors status text
// to stdout. The returned channel delivers once when a measurement
// result arrives.
func startConsoleSink(bus *statusbus.Bus) <-chan struct{} {
	events := make(chan statusbus.Event, 128)
	resultCh := make(chan struct{}, 1)

	if err := bus.Subscribe("console", events); err != nil {
		slog.Error("failed to subscribe console sink", "error", err)
		close(resultCh)
		return resultCh
	}

	go func() {
		for ev := range events {
			switch ev.Kind {
			case statusbus.StatusReplace, statusbus.StatusAppend:
				fmt.Println(ev.Text)
			case statusbus.RawOutput:
				fmt.Print(ev.Text)
			case statusbus.Result:
				fmt.Println(ev.Text)
				select {
				case resultCh <- struct{}{}:
				default:
				}
			}
		}
	}()

	return resultCh
}
