package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays well-known environment variables over file values.
// Environment always wins, so deployments can keep secrets out of the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Twilio.AccountSid = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Twilio.AuthToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("FLY_MACHINE_ID"); v != "" {
		cfg.Routing.InstanceID = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Profile == "" {
		cfg.Audio.Profile = "mulaw"
	}
	if cfg.Database.EmbeddingDimensions <= 0 {
		cfg.Database.EmbeddingDimensions = 1536
	}
	if cfg.Limits.MaxCallMinutes <= 0 {
		cfg.Limits.MaxCallMinutes = 60
	}
	if cfg.Limits.GoodbyeGraceSeconds <= 0 {
		cfg.Limits.GoodbyeGraceSeconds = 4
	}
	if cfg.Limits.TrialMinutes <= 0 {
		cfg.Limits.TrialMinutes = 5.0
	}
	if cfg.Routing.InstanceID == "" {
		cfg.Routing.InstanceID = "local"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" && !strings.HasPrefix(cfg.Server.PublicURL, "http") {
		errs = append(errs, fmt.Errorf("server.public_url %q must start with http:// or https://", cfg.Server.PublicURL))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if !cfg.Audio.Profile.IsValid() {
		errs = append(errs, fmt.Errorf("audio.profile %q is invalid; valid values: mulaw, pcm24k", cfg.Audio.Profile))
	}

	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required (or set OPENAI_API_KEY)"))
	}
	if v := cfg.OpenAI.VAD.Threshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("openai.vad.threshold %.2f is out of range [0, 1]", v))
	}

	if cfg.Twilio.ValidateSignatures && cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio.auth_token is required when validate_signatures is enabled (or set TWILIO_AUTH_TOKEN)"))
	}

	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required (or set DATABASE_URL)"))
	}

	if (cfg.Calendar.ClientID == "") != (cfg.Calendar.ClientSecret == "") {
		errs = append(errs, errors.New("calendar requires both client_id and client_secret, or neither"))
	}

	return errors.Join(errs...)
}
