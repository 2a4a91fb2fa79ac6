package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, merges the environment on top and
// validates the result. An empty path starts from [Default] and applies the
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it. The
// environment is not consulted; tests construct configs from string
// literals this way.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found; soft issues are logged as
// warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if !cfg.Server.AudioMode.IsValid() {
		errs = append(errs, fmt.Errorf("server.audio_mode %q is invalid; valid values: websocket, rtp, esl, dual", cfg.Server.AudioMode))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.ESL.Port <= 0 || cfg.ESL.Port > 65535 {
		errs = append(errs, fmt.Errorf("esl.port %d is out of range", cfg.ESL.Port))
	}
	if cfg.ESL.ServerPort <= 0 || cfg.ESL.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("esl.server_port %d is out of range", cfg.ESL.ServerPort))
	}
	if cfg.ESL.Password == "" {
		errs = append(errs, errors.New("esl.password is required"))
	}
	if cfg.Sessions.MaxPerTenant < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_per_tenant %d is negative", cfg.Sessions.MaxPerTenant))
	}
	if cfg.Sessions.MaxTotal < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_total %d is negative", cfg.Sessions.MaxTotal))
	}
	if cfg.Sessions.MaxPerTenant > 0 && cfg.Sessions.MaxTotal > 0 && cfg.Sessions.MaxPerTenant > cfg.Sessions.MaxTotal {
		errs = append(errs, fmt.Errorf("sessions.max_per_tenant %d exceeds sessions.max_total %d", cfg.Sessions.MaxPerTenant, cfg.Sessions.MaxTotal))
	}
	if cfg.Transfer.FuzzyCutoff < 0 || cfg.Transfer.FuzzyCutoff > 1 {
		errs = append(errs, fmt.Errorf("transfer.fuzzy_cutoff %.2f is out of range [0, 1]", cfg.Transfer.FuzzyCutoff))
	}
	if cfg.Storage.Enabled() {
		if cfg.Storage.AccessKey == "" || cfg.Storage.SecretKey == "" {
			slog.Warn("storage bucket configured without static credentials; falling back to the ambient AWS chain",
				"bucket", cfg.Storage.Bucket)
		}
	}

	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; secretaries cannot be resolved and conversations will not persist")
	}
	if cfg.Orchestrator.BaseURL == "" {
		slog.Warn("orchestrator.base_url is empty; handoffs will neither reach agents nor file tickets")
	}

	return errors.Join(errs...)
}
