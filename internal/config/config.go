package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/viper"
)

// ErrConfigUnreadable means the config document is missing or cannot be
// decoded. The agent refuses to start on it.
var ErrConfigUnreadable = errors.New("config unreadable")

// FileName is the config document name shipped with the agent and inside
// update archives.
const FileName = "agent.config.json"

const (
	DefaultHeartbeatIntervalMs = 5000
	DefaultSessionPath         = "/agent/ws"
	DefaultReconnectAttempts   = 5
	DefaultLogFile             = "log/agent.log"
)

type Config struct {
	PCName                 string   `mapstructure:"pcName" json:"pcName"`
	GamesDirectories       []string `mapstructure:"gamesDirectories" json:"gamesDirectories"`
	ServerURL              string   `mapstructure:"serverUrl" json:"serverUrl"`
	HeartbeatIntervalMs    int      `mapstructure:"heartbeatIntervalMs" json:"heartbeatIntervalMs"`
	ExcludedDirectories    []string `mapstructure:"excludedDirectories" json:"excludedDirectories,omitempty"`
	SessionPath            string   `mapstructure:"sessionPath" json:"sessionPath,omitempty"`
	ReconnectAttempts      int      `mapstructure:"reconnectAttempts" json:"reconnectAttempts,omitempty"`
	RequestTimeoutSeconds  int      `mapstructure:"requestTimeoutSeconds" json:"requestTimeoutSeconds,omitempty"`
	DownloadTimeoutSeconds int      `mapstructure:"downloadTimeoutSeconds" json:"downloadTimeoutSeconds,omitempty"`
	LogLevel               string   `mapstructure:"logLevel" json:"logLevel,omitempty"`
	LogFormat              string   `mapstructure:"logFormat" json:"logFormat,omitempty"`
	LogFile                string   `mapstructure:"logFile" json:"logFile,omitempty"`
	AuditEnabled           bool     `mapstructure:"auditEnabled" json:"auditEnabled"`
}

func Default() *Config {
	return &Config{
		GamesDirectories:       []string{},
		HeartbeatIntervalMs:    DefaultHeartbeatIntervalMs,
		SessionPath:            DefaultSessionPath,
		ReconnectAttempts:      DefaultReconnectAttempts,
		RequestTimeoutSeconds:  30,
		DownloadTimeoutSeconds: 600,
		LogLevel:               "info",
		LogFormat:              "text",
		LogFile:                DefaultLogFile,
		AuditEnabled:           true,
	}
}

// Load reads the document at path and decodes it on top of Default().
// PLAYDECK_<KEY> environment variables override file values. Placeholder
// values left behind by a merge are treated as unset.
func Load(path string) (*Config, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc)
}

// FromDocument decodes an already-parsed document the same way Load does.
func FromDocument(doc Document) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PLAYDECK")
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("pcName", defaults.PCName)
	v.SetDefault("gamesDirectories", defaults.GamesDirectories)
	v.SetDefault("serverUrl", defaults.ServerURL)
	v.SetDefault("heartbeatIntervalMs", defaults.HeartbeatIntervalMs)
	v.SetDefault("excludedDirectories", []string{})
	v.SetDefault("sessionPath", defaults.SessionPath)
	v.SetDefault("reconnectAttempts", defaults.ReconnectAttempts)
	v.SetDefault("requestTimeoutSeconds", defaults.RequestTimeoutSeconds)
	v.SetDefault("downloadTimeoutSeconds", defaults.DownloadTimeoutSeconds)
	v.SetDefault("logLevel", defaults.LogLevel)
	v.SetDefault("logFormat", defaults.LogFormat)
	v.SetDefault("logFile", defaults.LogFile)
	v.SetDefault("auditEnabled", defaults.AuditEnabled)

	if err := v.MergeConfigMap(normalize(stripPlaceholders(doc))); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigUnreadable, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigUnreadable, err)
	}
	if strings.TrimSpace(cfg.PCName) == "" {
		cfg.PCName = hostName()
	}
	return cfg, nil
}

func hostName() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return ""
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.GamesDirectories = append([]string(nil), c.GamesDirectories...)
	out.ExcludedDirectories = append([]string(nil), c.ExcludedDirectories...)
	return &out
}

// DefaultPath is <exe dir>/config/agent.config.json, falling back to the
// current directory when the executable path cannot be resolved.
func DefaultPath() string {
	return filepath.Join(ExecutableDir(), "config", FileName)
}

// ExecutableDir returns the directory holding the running binary.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// ResolvePath makes p absolute relative to base unless it already is.
func ResolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// normalize turns json.Number values into int64/float64 so viper's
// decoder sees plain Go numbers.
func normalize(doc Document) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalizeValue(item)
		}
		return items
	case map[string]any:
		return normalize(val)
	default:
		return v
	}
}

func stripPlaceholders(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		if s, ok := v.(string); ok && IsPlaceholder(s) {
			log.Warn("config key still holds a placeholder, using default", "key", k)
			continue
		}
		out[k] = v
	}
	return out
}

func hasControlChars(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0
}
