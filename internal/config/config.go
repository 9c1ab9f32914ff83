// Package config loads application configuration from an optional YAML file
// and REVIEWREADY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tracker kinds.
const (
	TrackerGitLab = "gitlab"
	TrackerGitHub = "github"
)

// Chat kinds.
const (
	ChatMatrix   = "matrix"
	ChatTelegram = "telegram"
	ChatTeams    = "teams"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

const envPrefix = "REVIEWREADY_"

// Config holds the validated application configuration.
type Config struct {
	Tracker TrackerConfig `yaml:"tracker"`
	Chat    ChatConfig    `yaml:"chat"`
	Poll    PollConfig    `yaml:"poll"`
	Store   StoreConfig   `yaml:"store"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

// TrackerConfig selects and configures the merge request source.
type TrackerConfig struct {
	Kind            string        `yaml:"kind"`
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Project         string        `yaml:"project"`
	ReadyLabel      string        `yaml:"ready_label"`
	ClosedPageLimit int           `yaml:"closed_page_limit"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// ChatConfig selects and configures the notification transport.
type ChatConfig struct {
	Kind            string         `yaml:"kind"`
	SendRate        float64        `yaml:"send_rate"`
	MessageTemplate string         `yaml:"message_template"`
	Matrix          MatrixConfig   `yaml:"matrix"`
	Telegram        TelegramConfig `yaml:"telegram"`
	Teams           TeamsConfig    `yaml:"teams"`
}

// MatrixConfig holds Matrix credentials and the target room.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

// TelegramConfig holds the bot token and target chat.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// TeamsConfig holds the incoming webhook URL.
type TeamsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// PollConfig holds the loop timings.
type PollConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// StoreConfig selects where the notified set is persisted.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// HTTPConfig configures the status API. An empty ListenAddr disables it.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures log output and file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Tracker: TrackerConfig{
			Kind:            TrackerGitLab,
			ReadyLabel:      "review:ready",
			ClosedPageLimit: 5,
			RequestTimeout:  30 * time.Second,
		},
		Chat: ChatConfig{
			Kind:     ChatMatrix,
			SendRate: 1,
		},
		Poll: PollConfig{
			Interval:     300 * time.Second,
			ErrorBackoff: 60 * time.Second,
		},
		Store: StoreConfig{
			Kind: StoreFile,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// REVIEWREADY_CONFIG_FILE if set, then REVIEWREADY_ environment variables,
// and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	if path, ok := os.LookupEnv(envPrefix + "CONFIG_FILE"); ok && path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	applyDerivedDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

func applyEnv(cfg *Config) error {
	envString("TRACKER", &cfg.Tracker.Kind)
	envString("TRACKER_URL", &cfg.Tracker.URL)
	envString("TRACKER_TOKEN", &cfg.Tracker.Token)
	envString("PROJECT", &cfg.Tracker.Project)
	envString("READY_LABEL", &cfg.Tracker.ReadyLabel)

	envString("CHAT", &cfg.Chat.Kind)
	envString("MESSAGE_TEMPLATE", &cfg.Chat.MessageTemplate)
	envString("MATRIX_HOMESERVER", &cfg.Chat.Matrix.Homeserver)
	envString("MATRIX_USERNAME", &cfg.Chat.Matrix.Username)
	envString("MATRIX_PASSWORD", &cfg.Chat.Matrix.Password)
	envString("MATRIX_ACCESS_TOKEN", &cfg.Chat.Matrix.AccessToken)
	envString("MATRIX_ROOM_ID", &cfg.Chat.Matrix.RoomID)
	envString("TELEGRAM_TOKEN", &cfg.Chat.Telegram.Token)
	envString("TEAMS_WEBHOOK_URL", &cfg.Chat.Teams.WebhookURL)

	envString("STORE", &cfg.Store.Kind)
	envString("STORE_PATH", &cfg.Store.Path)
	envString("LISTEN_ADDR", &cfg.HTTP.ListenAddr)

	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
	envString("LOG_FILE", &cfg.Log.File)

	return errors.Join(
		envInt("CLOSED_PAGE_LIMIT", &cfg.Tracker.ClosedPageLimit),
		envDuration("REQUEST_TIMEOUT", &cfg.Tracker.RequestTimeout),
		envFloat("SEND_RATE", &cfg.Chat.SendRate),
		envInt64("TELEGRAM_CHAT_ID", &cfg.Chat.Telegram.ChatID),
		envDuration("POLL_INTERVAL", &cfg.Poll.Interval),
		envDuration("ERROR_BACKOFF", &cfg.Poll.ErrorBackoff),
		envInt("LOG_MAX_SIZE_MB", &cfg.Log.MaxSizeMB),
		envInt("LOG_MAX_BACKUPS", &cfg.Log.MaxBackups),
		envInt("LOG_MAX_AGE_DAYS", &cfg.Log.MaxAgeDays),
	)
}

// applyDerivedDefaults fills values whose default depends on another setting.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Tracker.URL == "" && cfg.Tracker.Kind == TrackerGitLab {
		cfg.Tracker.URL = "https://gitlab.com"
	}

	if cfg.Store.Path == "" {
		switch cfg.Store.Kind {
		case StoreSQLite:
			cfg.Store.Path = "reviewready.db"
		default:
			cfg.Store.Path = "notified_mrs.json"
		}
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	switch c.Tracker.Kind {
	case TrackerGitLab:
	case TrackerGitHub:
		if !strings.Contains(c.Tracker.Project, "/") && c.Tracker.Project != "" {
			errs = append(errs, fmt.Errorf("%sPROJECT must be owner/repo for github, got %q", envPrefix, c.Tracker.Project))
		}
	default:
		errs = append(errs, fmt.Errorf("%sTRACKER must be %q or %q, got %q", envPrefix, TrackerGitLab, TrackerGitHub, c.Tracker.Kind))
	}
	if c.Tracker.Project == "" {
		errs = append(errs, fmt.Errorf("%sPROJECT is required", envPrefix))
	}
	if c.Tracker.ReadyLabel == "" {
		errs = append(errs, fmt.Errorf("%sREADY_LABEL must not be empty", envPrefix))
	}
	if c.Tracker.ClosedPageLimit < 1 {
		errs = append(errs, fmt.Errorf("%sCLOSED_PAGE_LIMIT must be at least 1", envPrefix))
	}
	if c.Tracker.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%sREQUEST_TIMEOUT must be positive", envPrefix))
	}

	switch c.Chat.Kind {
	case ChatMatrix:
		m := c.Chat.Matrix
		if m.Homeserver == "" || m.RoomID == "" {
			errs = append(errs, fmt.Errorf("%sMATRIX_HOMESERVER and %sMATRIX_ROOM_ID are required for matrix", envPrefix, envPrefix))
		}
		if m.AccessToken == "" && (m.Username == "" || m.Password == "") {
			errs = append(errs, fmt.Errorf("%sMATRIX_ACCESS_TOKEN or %sMATRIX_USERNAME and %sMATRIX_PASSWORD are required for matrix", envPrefix, envPrefix, envPrefix))
		}
	case ChatTelegram:
		if c.Chat.Telegram.Token == "" || c.Chat.Telegram.ChatID == 0 {
			errs = append(errs, fmt.Errorf("%sTELEGRAM_TOKEN and %sTELEGRAM_CHAT_ID are required for telegram", envPrefix, envPrefix))
		}
	case ChatTeams:
		if c.Chat.Teams.WebhookURL == "" {
			errs = append(errs, fmt.Errorf("%sTEAMS_WEBHOOK_URL is required for teams", envPrefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%sCHAT must be %q, %q or %q, got %q", envPrefix, ChatMatrix, ChatTelegram, ChatTeams, c.Chat.Kind))
	}
	if c.Chat.SendRate <= 0 {
		errs = append(errs, fmt.Errorf("%sSEND_RATE must be positive", envPrefix))
	}

	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%sPOLL_INTERVAL must be positive", envPrefix))
	}
	if c.Poll.ErrorBackoff <= 0 || c.Poll.ErrorBackoff >= c.Poll.Interval {
		errs = append(errs, fmt.Errorf("%sERROR_BACKOFF must be positive and shorter than %sPOLL_INTERVAL (%s)", envPrefix, envPrefix, c.Poll.Interval))
	}

	switch c.Store.Kind {
	case StoreFile, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("%sSTORE must be %q or %q, got %q", envPrefix, StoreFile, StoreSQLite, c.Store.Kind))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("%sSTORE_PATH must not be empty", envPrefix))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_LEVEL must be debug, info, warn or error, got %q", envPrefix, c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT must be text or json, got %q", envPrefix, c.Log.Format))
	}

	return errors.Join(errs...)
}

// LogValue implements slog.LogValuer. Secrets are reported only as set or unset.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tracker", c.Tracker.Kind),
		slog.String("tracker_url", c.Tracker.URL),
		slog.Bool("tracker_token_set", c.Tracker.Token != ""),
		slog.String("project", c.Tracker.Project),
		slog.String("ready_label", c.Tracker.ReadyLabel),
		slog.String("chat", c.Chat.Kind),
		slog.Duration("poll_interval", c.Poll.Interval),
		slog.Duration("error_backoff", c.Poll.ErrorBackoff),
		slog.String("store", c.Store.Kind),
		slog.String("store_path", c.Store.Path),
		slog.String("listen_addr", c.HTTP.ListenAddr),
	)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s%s has invalid integer %q: %w", envPrefix, name, v, err)
	}
	*dst = parsed
	return nil
}

func envInt64(name string, dst *int64) error {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("%s%s has invalid integer %q: %w", envPrefix, name, v, err)
	}
	*dst = parsed
	return nil
}

func envFloat(name string, dst *float64) error {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s%s has invalid number %q: %w", envPrefix, name, v, err)
	}
	*dst = parsed
	return nil
}

// envDuration accepts Go durations ("5m") and bare seconds ("300").
func envDuration(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return nil
	}
	v = strings.TrimSpace(v)

	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}

	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s has invalid duration %q: %w", envPrefix, name, v, err)
	}
	*dst = parsed
	return nil
}
