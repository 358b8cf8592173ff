package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck is the JSON document served on /health.
type HealthCheck struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Session   struct {
		State     string `json:"state"`
		SessionID string `json:"session_id,omitempty"`
		Mode      string `json:"mode"`
		Samples   int    `json:"samples"`
	} `json:"session"`
	Ports struct {
		Capture  string `json:"capture,omitempty"`
		Playback string `json:"playback,omitempty"`
	} `json:"ports"`
	Bus map[string]any `json:"bus,omitempty"`
}

// GetHealthCheck builds a health snapshot from the controller's mirror
// state. Safe to call from any goroutine.
func (c *Controller) GetHealthCheck() HealthCheck {
	c.mu.RLock()
	snap := c.snapshot
	running := c.isRunning
	uptime := time.Since(c.started)
	c.mu.RUnlock()

	hc := HealthCheck{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    uptime.Round(time.Second).String(),
	}
	if !running {
		hc.Status = "stopped"
	}
	hc.Session.State = snap.State.String()
	hc.Session.SessionID = snap.SessionID
	hc.Session.Mode = snap.Mode.String()
	hc.Session.Samples = snap.Samples
	hc.Ports.Capture = snap.SelectedCapture
	hc.Ports.Playback = snap.SelectedPlayback

	if c.bus != nil {
		hc.Bus = map[string]any{"published": c.bus.TotalPublished()}
	}
	return hc
}

// StartHealthServer exposes /health and /readiness on the given port.
// Runs in its own goroutine until the process exits.
func (c *Controller) StartHealthServer(port string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hc := c.GetHealthCheck()
		w.Header().Set("Content-Type", "application/json")
		if hc.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(hc); err != nil {
			slog.Error("failed to encode health check", "error", err)
		}
	})

	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		running := c.isRunning
		c.mu.RUnlock()
		if running {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ready")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not ready")
		}
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()
}
