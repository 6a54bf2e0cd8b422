package config

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	MinHeartbeatIntervalMs = 1000
	MaxHeartbeatIntervalMs = 3600000
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits problems into those that must stop the agent and
// those that were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. Out-of-range values are clamped in
// place and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	switch {
	case strings.TrimSpace(c.ServerURL) == "":
		result.Fatals = append(result.Fatals, fmt.Errorf("serverUrl is required"))
	default:
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("serverUrl %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			result.Fatals = append(result.Fatals, fmt.Errorf("serverUrl scheme must be http or https, got %q", u.Scheme))
		} else if u.Host == "" {
			result.Fatals = append(result.Fatals, fmt.Errorf("serverUrl %q has no host", c.ServerURL))
		}
	}

	if hasControlChars(c.PCName) {
		result.Fatals = append(result.Fatals, fmt.Errorf("pcName contains control characters"))
	}

	if c.HeartbeatIntervalMs < MinHeartbeatIntervalMs {
		result.Warnings = append(result.Warnings, fmt.Errorf("heartbeatIntervalMs %d is below minimum %d, clamping", c.HeartbeatIntervalMs, MinHeartbeatIntervalMs))
		c.HeartbeatIntervalMs = MinHeartbeatIntervalMs
	} else if c.HeartbeatIntervalMs > MaxHeartbeatIntervalMs {
		result.Warnings = append(result.Warnings, fmt.Errorf("heartbeatIntervalMs %d exceeds maximum %d, clamping", c.HeartbeatIntervalMs, MaxHeartbeatIntervalMs))
		c.HeartbeatIntervalMs = MaxHeartbeatIntervalMs
	}

	if c.ReconnectAttempts < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("reconnectAttempts %d is negative, using %d", c.ReconnectAttempts, DefaultReconnectAttempts))
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.RequestTimeoutSeconds < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("requestTimeoutSeconds %d is below minimum 1, clamping", c.RequestTimeoutSeconds))
		c.RequestTimeoutSeconds = 1
	}
	if c.DownloadTimeoutSeconds < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("downloadTimeoutSeconds %d is below minimum 1, clamping", c.DownloadTimeoutSeconds))
		c.DownloadTimeoutSeconds = 1
	}

	if c.SessionPath == "" {
		c.SessionPath = DefaultSessionPath
	} else if !strings.HasPrefix(c.SessionPath, "/") {
		result.Warnings = append(result.Warnings, fmt.Errorf("sessionPath %q should start with /", c.SessionPath))
		c.SessionPath = "/" + c.SessionPath
	}

	for i, dir := range c.GamesDirectories {
		if strings.TrimSpace(dir) == "" {
			result.Warnings = append(result.Warnings, fmt.Errorf("gamesDirectories[%d] is empty", i))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("logLevel %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("logFormat %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	return result
}
