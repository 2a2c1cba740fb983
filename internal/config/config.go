package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for ledgerbot.
type Config struct {
	General       GeneralConfig       `json:"general"`
	Server        ServerConfig        `json:"server"`
	WhatsApp      WhatsAppConfig      `json:"whatsapp"`
	Ledger        LedgerConfig        `json:"ledger"`
	LLM           LLMConfig           `json:"llm"`
	Transcription TranscriptionConfig `json:"transcription"`
	Sessions      SessionsConfig      `json:"sessions"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Archive       ArchiveConfig       `json:"archive"`
	Metrics       MetricsConfig       `json:"metrics"`
	Admin         AdminConfig         `json:"admin"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat string `json:"logFormat" validate:"oneof=text json"`
	LogFile   string `json:"logFile,omitempty"` // optional rotating log file
}

type ServerConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	PipelineTimeoutSeconds int    `json:"pipelineTimeoutSeconds"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds"`
}

type WhatsAppConfig struct {
	AppSecret      string `json:"appSecret,omitempty"` // enables X-Hub-Signature-256 checks
	AccessToken    string `json:"accessToken" validate:"required"`
	VerifyToken    string `json:"verifyToken" validate:"required"`
	PhoneNumberID  string `json:"phoneNumberId" validate:"required"`
	WebhookPath    string `json:"webhookPath" validate:"startswith=/"`
	APIBase        string `json:"apiBase" validate:"url"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxMediaBytes  int64  `json:"maxMediaBytes"`
}

type LedgerConfig struct {
	APIBase        string `json:"apiBase" validate:"required,url"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type LLMConfig struct {
	Provider           string  `json:"provider" validate:"oneof=gemini"`
	APIKey             string  `json:"apiKey" validate:"required"`
	Model              string  `json:"model" validate:"required"`
	TimeoutSeconds     int     `json:"timeoutSeconds"`
	RateLimitPerMinute float64 `json:"rateLimitPerMinute"`
	MaxBurst           int     `json:"maxBurst"`
	ProfilePath        string  `json:"profilePath,omitempty"` // YAML prompt profile; embedded default when empty
}

type TranscriptionConfig struct {
	Provider string `json:"provider" validate:"oneof=llm whisper"`
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type SessionsConfig struct {
	Backend      string   `json:"backend" validate:"oneof=memory sqlite"`
	DBPath       string   `json:"dbPath"`
	TTLMinutes   int      `json:"ttlMinutes"` // 0 = never expire
	CountryCodes []string `json:"countryCodes" validate:"dive,numeric"`
}

type DispatchConfig struct {
	BalanceThreshold float64 `json:"balanceThreshold"`
}

type ArchiveConfig struct {
	Enabled  bool   `json:"enabled"`
	Backend  string `json:"backend" validate:"oneof=local s3"`
	Dir      string `json:"dir,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // S3-compatible endpoint override
}

type MetricsConfig struct {
	Enabled    bool             `json:"enabled"`
	Endpoint   string           `json:"endpoint" validate:"startswith=/"`
	CloudWatch CloudWatchConfig `json:"cloudWatch"`
}

type CloudWatchConfig struct {
	Enabled    bool              `json:"enabled"`
	Namespace  string            `json:"namespace"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

// AdminConfig guards the auxiliary debug endpoints.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// Durations derived from the second-based fields.

func (s ServerConfig) PipelineTimeout() time.Duration {
	return time.Duration(s.PipelineTimeoutSeconds) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (w WhatsAppConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

func (l LedgerConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// DefaultConfigDir returns the default config directory (~/.ledgerbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ledgerbot"
	}
	return filepath.Join(home, ".ledgerbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Sessions.DBPath = ExpandPath(cfg.Sessions.DBPath)
	cfg.Archive.Dir = ExpandPath(cfg.Archive.Dir)
	cfg.LLM.ProfilePath = ExpandPath(cfg.LLM.ProfilePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := strings.Contains(match, ":-")

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Secrets live in this file.
	return os.WriteFile(path, data, 0o600)
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags first, then cross-field rules.
// All problems are reported together.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.PipelineTimeoutSeconds < 1 {
		errs = append(errs, "server.pipelineTimeoutSeconds must be >= 1")
	}
	for name, secs := range map[string]int{
		"whatsapp.timeoutSeconds": cfg.WhatsApp.TimeoutSeconds,
		"ledger.timeoutSeconds":   cfg.Ledger.TimeoutSeconds,
		"llm.timeoutSeconds":      cfg.LLM.TimeoutSeconds,
	} {
		if secs < 1 {
			errs = append(errs, name+" must be >= 1")
		} else if secs >= cfg.Server.PipelineTimeoutSeconds {
			errs = append(errs, fmt.Sprintf("%s must be shorter than server.pipelineTimeoutSeconds", name))
		}
	}
	if cfg.WhatsApp.MaxMediaBytes < 1 {
		errs = append(errs, "whatsapp.maxMediaBytes must be >= 1")
	}
	if cfg.Sessions.TTLMinutes < 0 {
		errs = append(errs, "sessions.ttlMinutes must be >= 0")
	}
	if cfg.Sessions.Backend == "sqlite" && cfg.Sessions.DBPath == "" {
		errs = append(errs, "sessions.dbPath is required for the sqlite backend")
	}
	if cfg.Dispatch.BalanceThreshold < 0 {
		errs = append(errs, "dispatch.balanceThreshold must be >= 0")
	}
	if cfg.Transcription.Provider == "whisper" && cfg.Transcription.APIKey == "" {
		errs = append(errs, "transcription.apiKey is required for the whisper provider")
	}
	if cfg.Archive.Enabled {
		switch cfg.Archive.Backend {
		case "local":
			if cfg.Archive.Dir == "" {
				errs = append(errs, "archive.dir is required for the local backend")
			}
		case "s3":
			if cfg.Archive.Bucket == "" {
				errs = append(errs, "archive.bucket is required for the s3 backend")
			}
		}
	}
	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		errs = append(errs, "metrics.cloudWatch.namespace is required when enabled")
	}
	if cfg.Admin.Enabled && len(cfg.Admin.Token) < 16 {
		errs = append(errs, "admin.token must be at least 16 characters when admin is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// describeFieldError renders a validator error using the JSON dot path.
func describeFieldError(fe validator.FieldError) string {
	path := jsonPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return path + " must be a valid URL"
	case "startswith":
		return fmt.Sprintf("%s must start with %q", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}

// jsonPath turns "Config.whatsapp.apiBase" into "whatsapp.apiBase".
func jsonPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
