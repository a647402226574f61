// Package config loads service configuration from an optional .env file, an
// optional YAML file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentplexus/twiliosay"
)

// Config represents the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Call      CallConfig      `yaml:"call"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Storage   StorageConfig   `yaml:"storage"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Address string `yaml:"address"`
	// PublicHost overrides the Host header when building directive URLs.
	PublicHost        string `yaml:"public_host"`
	ReadHeaderTimeout int    `yaml:"read_header_timeout_ms"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout_ms"`
}

// CallConfig controls how incoming calls are answered.
type CallConfig struct {
	Mode                string `yaml:"mode"` // connect, play
	Greeting            string `yaml:"greeting"`
	StreamName          string `yaml:"stream_name"`
	HangupAfterPlayback bool   `yaml:"hangup_after_playback"`
}

// SynthesisConfig selects and configures the speech backend.
type SynthesisConfig struct {
	Backend         string `yaml:"backend"` // google, clip
	Utterance       string `yaml:"utterance"`
	Voice           string `yaml:"voice"`
	Language        string `yaml:"language"`
	Gender          string `yaml:"gender"`
	SampleRate      int    `yaml:"sample_rate"`
	CredentialsFile string `yaml:"credentials_file"`
	ClipName        string `yaml:"clip_name"`
	StartupDelayMS  int    `yaml:"startup_delay_ms"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	MarkName        string `yaml:"mark_name"`
}

// StorageConfig locates static assets and diagnostic dumps.
type StorageConfig struct {
	BaseDir   string `yaml:"base_dir"`
	DumpAudio bool   `yaml:"dump_audio"`
}

// TwilioConfig holds REST credentials. Both empty disables call control.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	BaseURL    string `yaml:"base_url"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter     string `yaml:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Environment  string `yaml:"environment"`
}

// EventsConfig configures the NATS lifecycle publisher. Empty URL disables it.
type EventsConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadHeaderTimeout: 5000,
			ShutdownTimeout:   10000,
		},
		Call: CallConfig{
			Mode:     "connect",
			Greeting: twiliosay.DefaultGreeting,
		},
		Synthesis: SynthesisConfig{
			Backend:        "google",
			Utterance:      twiliosay.DefaultUtterance,
			Voice:          twiliosay.DefaultVoice,
			Language:       twiliosay.DefaultLanguage,
			Gender:         twiliosay.DefaultGender,
			SampleRate:     twiliosay.DefaultSampleRate,
			ClipName:       "standard.dat",
			StartupDelayMS: 1000,
			MarkName:       "utterance",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Exporter:     "none",
			OTLPInsecure: true,
			Environment:  "development",
		},
		Events: EventsConfig{
			SubjectPrefix: twiliosay.ServiceName,
		},
	}
}

// Load builds the configuration. A missing .env file is ignored, but one that
// cannot be parsed is an error; a missing YAML file is an error when path is set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Address, "TWILIOSAY_SERVER_ADDRESS")
	overrideString(&cfg.Server.PublicHost, "TWILIOSAY_PUBLIC_HOST")
	overrideString(&cfg.Call.Mode, "TWILIOSAY_CALL_MODE")
	overrideString(&cfg.Call.Greeting, "TWILIOSAY_GREETING")
	overrideBool(&cfg.Call.HangupAfterPlayback, "TWILIOSAY_HANGUP_AFTER_PLAYBACK")
	overrideString(&cfg.Synthesis.Backend, "TWILIOSAY_SYNTHESIS_BACKEND")
	overrideString(&cfg.Synthesis.Utterance, "TWILIOSAY_UTTERANCE")
	overrideString(&cfg.Synthesis.Voice, "TWILIOSAY_VOICE")
	overrideString(&cfg.Synthesis.Language, "TWILIOSAY_LANGUAGE")
	overrideString(&cfg.Synthesis.Gender, "TWILIOSAY_GENDER")
	overrideString(&cfg.Synthesis.ClipName, "TWILIOSAY_CLIP_NAME")
	overrideInt(&cfg.Synthesis.StartupDelayMS, "TWILIOSAY_STARTUP_DELAY_MS")
	overrideInt(&cfg.Synthesis.TimeoutMS, "TWILIOSAY_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	overrideString(&cfg.Storage.BaseDir, "BASE_FILE_DIR")
	overrideBool(&cfg.Storage.DumpAudio, "TWILIOSAY_DUMP_AUDIO")
	overrideString(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	overrideString(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	overrideString(&cfg.Logging.Level, "TWILIOSAY_LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "TWILIOSAY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.Exporter, "TWILIOSAY_TELEMETRY_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TWILIOSAY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TWILIOSAY_OTLP_INSECURE")
	overrideString(&cfg.Events.URL, "TWILIOSAY_NATS_URL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

// Validate performs validation of every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Call.Validate(); err != nil {
		return fmt.Errorf("call config: %w", err)
	}
	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.Twilio.Validate(); err != nil {
		return fmt.Errorf("twilio config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	if c.Call.Mode == "play" && c.Synthesis.Backend != "google" {
		return errors.New("call.mode=play requires the google synthesis backend")
	}
	if c.Call.HangupAfterPlayback {
		if !c.Twilio.Enabled() {
			return errors.New("call.hangup_after_playback requires twilio credentials")
		}
		if c.Call.Mode != "connect" || c.Synthesis.MarkName == "" {
			return errors.New("call.hangup_after_playback requires connect mode and synthesis.mark_name")
		}
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return errors.New("address cannot be empty")
	}
	if _, port, ok := strings.Cut(s.Address, ":"); !ok || port == "" {
		return fmt.Errorf("address %q must be host:port", s.Address)
	}
	if strings.Contains(s.PublicHost, "://") {
		return fmt.Errorf("public_host %q must not include a scheme", s.PublicHost)
	}
	if s.ReadHeaderTimeout < 0 || s.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Validate validates call configuration.
func (c *CallConfig) Validate() error {
	switch c.Mode {
	case "connect", "play":
	default:
		return fmt.Errorf("mode must be one of connect|play, got %q", c.Mode)
	}
	return nil
}

// Validate validates synthesis configuration.
func (s *SynthesisConfig) Validate() error {
	if strings.TrimSpace(s.Utterance) == "" {
		return errors.New("utterance cannot be empty")
	}
	switch s.Backend {
	case "google":
		if s.CredentialsFile == "" {
			return errors.New("credentials_file (GOOGLE_APPLICATION_CREDENTIALS) is required for the google backend")
		}
		if s.SampleRate != twiliosay.DefaultSampleRate {
			return fmt.Errorf("sample_rate must be %d Hz for Media Streams, got %d", twiliosay.DefaultSampleRate, s.SampleRate)
		}
	case "clip":
		if s.ClipName == "" {
			return errors.New("clip_name cannot be empty for the clip backend")
		}
	default:
		return fmt.Errorf("backend must be one of google|clip, got %q", s.Backend)
	}
	if s.StartupDelayMS < 0 || s.TimeoutMS < 0 {
		return errors.New("startup_delay_ms and timeout_ms must not be negative")
	}
	return nil
}

// Validate validates storage configuration. The base directory must exist.
func (s *StorageConfig) Validate() error {
	if s.BaseDir == "" {
		return errors.New("base_dir (BASE_FILE_DIR) is required")
	}
	info, err := os.Stat(s.BaseDir)
	if err != nil {
		return fmt.Errorf("base_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base_dir %s is not a directory", s.BaseDir)
	}
	return nil
}

// Enabled reports whether REST credentials are present.
func (t *TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != ""
}

// Validate validates Twilio configuration.
func (t *TwilioConfig) Validate() error {
	if (t.AccountSID == "") != (t.AuthToken == "") {
		return errors.New("account_sid and auth_token must be set together")
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	if _, err := parseLevel(l.Level); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be one of text|json, got %q", l.Format)
	}
	return nil
}

// SlogLevel returns the configured level.
func (l *LoggingConfig) SlogLevel() slog.Level {
	level, _ := parseLevel(l.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("level must be one of debug|info|warn|error, got %q", s)
}

// Validate validates telemetry configuration.
func (t *TelemetryConfig) Validate() error {
	switch t.Exporter {
	case "none", "stdout":
	case "otlp":
		if t.OTLPEndpoint == "" {
			return errors.New("otlp_endpoint must be set when exporter=otlp")
		}
	default:
		return fmt.Errorf("exporter must be one of none|stdout|otlp, got %q", t.Exporter)
	}
	return nil
}

// StartupDelay returns the pause between stream start and synthesis.
func (s *SynthesisConfig) StartupDelay() time.Duration {
	return time.Duration(s.StartupDelayMS) * time.Millisecond
}

// Timeout returns the bound on one synthesis call, zero for none.
func (s *SynthesisConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}
