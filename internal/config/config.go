// Package config owns the cluster manager's on-disk configuration: the
// JSON document at clusterconfig.json, its defaults, and a file-watcher that
// turns edits to that file into an in-place reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the immutable-per-tick snapshot every other subsystem reads.
// A new snapshot replaces the old one wholesale on reload; nothing mutates
// a Config value in place.
type Config struct {
	Model          string `json:"model"`
	MinInstances   int    `json:"minInstances"`
	MaxInstances   int    `json:"maxInstances"`
	MaxConcurrency int    `json:"maxConcurrency"`

	IdleTimeoutSeconds int `json:"idleTimeoutSeconds"`

	ScaleUpLoadThreshold   float64 `json:"scaleUpLoadThreshold"`
	ScaleDownLoadThreshold float64 `json:"scaleDownLoadThreshold"`
	ScaleUpRps             float64 `json:"scaleUpRps"`

	PredictiveRpsWindow         int     `json:"predictiveRpsWindow"`
	PredictiveRpsTrendThreshold float64 `json:"predictiveRpsTrendThreshold"`

	// BinaryPath is the path to the inference server executable (e.g.
	// "ollama"), not part of the distilled spec's Config fields but needed
	// to actually spawn a worker subprocess.
	BinaryPath string `json:"binaryPath"`

	// ListenAddr is the HTTP control plane's bind address.
	ListenAddr string `json:"listenAddr"`

	// DocsURL is where GET / redirects to.
	DocsURL string `json:"docsURL"`
}

// Default returns the configuration used when clusterconfig.json does not
// yet exist.
func Default() Config {
	return Config{
		Model:                       "llama3",
		MinInstances:                2,
		MaxInstances:                10,
		MaxConcurrency:              4,
		IdleTimeoutSeconds:          300,
		ScaleUpLoadThreshold:        0.8,
		ScaleDownLoadThreshold:      0.2,
		ScaleUpRps:                  50,
		PredictiveRpsWindow:         5,
		PredictiveRpsTrendThreshold: 10,
		BinaryPath:                  "ollama",
		ListenAddr:                  "localhost:5000",
		DocsURL:                     "/docs",
	}
}

// Validate rejects configurations that would make the supervisor's
// invariants unsatisfiable.
func (c Config) Validate() error {
	if c.MinInstances < 0 {
		return fmt.Errorf("minInstances must be >= 0")
	}
	if c.MaxInstances < c.MinInstances {
		return fmt.Errorf("maxInstances (%d) must be >= minInstances (%d)", c.MaxInstances, c.MinInstances)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("maxConcurrency must be > 0")
	}
	if c.ScaleDownLoadThreshold >= c.ScaleUpLoadThreshold {
		return fmt.Errorf("scaleDownLoadThreshold (%v) must be < scaleUpLoadThreshold (%v)", c.ScaleDownLoadThreshold, c.ScaleUpLoadThreshold)
	}
	if c.PredictiveRpsWindow <= 0 {
		return fmt.Errorf("predictiveRpsWindow must be > 0")
	}
	return nil
}

// Load reads path, creating it with defaults if absent. A malformed file is
// a hard error on first load — ConfigMalformed semantics (log, keep the old
// snapshot) only apply to subsequent hot-reloads, handled by Watcher.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if writeErr := Save(path, cfg); writeErr != nil {
			return cfg, fmt.Errorf("config: create default %s: %w", path, writeErr)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
