package launchlib

import (
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

// ReadinessConfig controls post-launch health polling of the app server.
type ReadinessConfig struct {
	// Enabled controls whether the probe runs. Default: false.
	Enabled bool `yaml:"enabled,omitempty"`

	// URL is the health endpoint to poll. Default:
	// "http://127.0.0.1:8501/_stcore/health" (the Streamlit health check).
	URL string `yaml:"url,omitempty"`

	// PollIntervalSeconds is how often the probe polls until ready. Default: 2.
	PollIntervalSeconds int `yaml:"pollIntervalSeconds,omitempty"`

	// FilePath, if set, is created once the app reports healthy and removed
	// when the launcher exits. Process supervisors can watch it.
	FilePath string `yaml:"filePath,omitempty"`
}

// DefaultReadinessConfig returns sensible readiness defaults.
func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{
		URL:                 "http://127.0.0.1:8501/_stcore/health",
		PollIntervalSeconds: 2,
	}
}

// ReadinessProbe polls the application's own health endpoint after spawn and
// records when the server comes up. It is purely observational: the probe
// never restarts or kills anything, and there is no deadline; polling stops
// when the app answers or the launcher shuts down.
type ReadinessProbe struct {
	config ReadinessConfig
	logger *Logger
	client *http.Client
	ready  atomic.Bool
}

// NewReadinessProbe creates a probe for the configured endpoint.
func NewReadinessProbe(config ReadinessConfig, logger *Logger) *ReadinessProbe {
	if config.URL == "" {
		config.URL = DefaultReadinessConfig().URL
	}
	if config.PollIntervalSeconds == 0 {
		config.PollIntervalSeconds = DefaultReadinessConfig().PollIntervalSeconds
	}
	return &ReadinessProbe{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// Watch polls until the endpoint answers 200 or the context is cancelled.
func (p *ReadinessProbe) Watch(ctx context.Context) {
	if !p.config.Enabled {
		return
	}

	interval := time.Duration(p.config.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	p.logger.Printf("Readiness probe polling %s every %s", p.config.URL, interval)

	for {
		select {
		case <-ctx.Done():
			p.cleanup()
			return
		case <-ticker.C:
			if p.poll(ctx) {
				p.ready.Store(true)
				p.logger.Printf("Application ready after %s", time.Since(start).Round(time.Millisecond))
				if p.config.FilePath != "" {
					if err := os.WriteFile(p.config.FilePath, []byte("ready\n"), 0644); err != nil {
						p.logger.Warnf("Failed to write readiness file %s: %v", p.config.FilePath, err)
					}
				}
				return
			}
		}
	}
}

// Ready reports whether the app has answered healthy at least once.
func (p *ReadinessProbe) Ready() bool {
	return p.ready.Load()
}

func (p *ReadinessProbe) poll(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *ReadinessProbe) cleanup() {
	if p.config.FilePath != "" {
		_ = os.Remove(p.config.FilePath)
	}
}

func applyReadinessDefaults(config ReadinessConfig) ReadinessConfig {
	defaults := DefaultReadinessConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.PollIntervalSeconds == 0 {
		config.PollIntervalSeconds = defaults.PollIntervalSeconds
	}
	return config
}
