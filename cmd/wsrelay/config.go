package main

// Configuration sources, highest precedence first:
//   1. CLI flags             (root.go)
//   2. WSRELAY_* environment (this file)
//   3. YAML config file      (this file, --config)
//   4. relay.DefaultConfig()

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sammck-go/wsrelay/pkg/relay"
	"gopkg.in/yaml.v3"
)

// loadConfigFile overlays the YAML file at path onto cfg. Keys absent from the
// file leave cfg unchanged.
func loadConfigFile(path string, cfg *relay.Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// loadFromEnv overlays non-empty WSRELAY_* variables onto cfg
func loadFromEnv(cfg *relay.Config) error {
	if v := os.Getenv("WSRELAY_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WSRELAY_UPSTREAM"); v != "" {
		cfg.UpstreamURL = v
	}
	if err := envDuration("WSRELAY_CONNECT_TIMEOUT", &cfg.ConnectTimeout); err != nil {
		return err
	}
	if err := envDuration("WSRELAY_WRITE_TIMEOUT", &cfg.WriteTimeout); err != nil {
		return err
	}
	if v := os.Getenv("WSRELAY_READ_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("WSRELAY_READ_LIMIT: %w", err)
		}
		cfg.ReadLimit = n
	}
	if v := os.Getenv("WSRELAY_MAX_PENDING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WSRELAY_MAX_PENDING: %w", err)
		}
		cfg.MaxPendingMessages = n
	}
	if v := os.Getenv("WSRELAY_DIAL_ON_ACCEPT"); v != "" {
		cfg.DialOnAccept = envBool(v)
	}
	if v := os.Getenv("WSRELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WSRELAY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

// envBool accepts "1", "true", "yes" (case-insensitive)
func envBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
