package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is unset.
const (
	DefaultListenAddr    = ":8080"
	DefaultHistoryLimit  = 200
	DefaultSendQueueSize = 64
	DefaultTokenTimeout  = 10 * time.Second
	DefaultSessionMaxAge = 30 * 24 * time.Hour
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Hub
	if cfg.Hub.HistoryLimit == 0 {
		cfg.Hub.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Hub.HistoryLimit < 0 {
		// Negative means the operator explicitly asked for unbounded growth.
		slog.Warn("hub.history_limit is negative; history will grow without bound")
		cfg.Hub.HistoryLimit = 0
	}
	switch cfg.Hub.ConflictPolicy {
	case "", "displace", "evict":
	default:
		errs = append(errs, fmt.Errorf("hub.conflict_policy %q is invalid; valid values: displace, evict", cfg.Hub.ConflictPolicy))
	}
	if cfg.Hub.SendQueueSize <= 0 {
		cfg.Hub.SendQueueSize = DefaultSendQueueSize
	}

	// Storage
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageNone
	}
	if !cfg.Storage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: postgres, badger, none", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.driver is postgres"))
	}
	if cfg.Storage.Driver == StorageBadger && cfg.Storage.BadgerPath == "" {
		errs = append(errs, errors.New("storage.badger_path is required when storage.driver is badger"))
	}
	if cfg.Storage.Driver == StorageNone {
		slog.Warn("storage.driver is none; transcripts will not survive a restart")
	}

	// Speech
	if cfg.Speech.TokenTimeout <= 0 {
		cfg.Speech.TokenTimeout = DefaultTokenTimeout
	}
	if (cfg.Speech.Key == "") != (cfg.Speech.Region == "") {
		errs = append(errs, errors.New("speech.key and speech.region must be set together"))
	}
	if cfg.Speech.Key == "" {
		slog.Warn("speech credentials not configured; /api/get-token will report an error")
	}

	// Auth
	if cfg.Auth.SessionMaxAge <= 0 {
		cfg.Auth.SessionMaxAge = DefaultSessionMaxAge
	}
	if cfg.Auth.MasterPassword == "" {
		slog.Warn("auth.master_password is empty; the master surface is unprotected")
	}

	return errors.Join(errs...)
}
