package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateEventLog(cfg, ve)
	validatePolls(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := &cfg.Gateway

	if g.URL == "" {
		ve.Add("gateway.url must not be empty")
	} else {
		u, err := url.Parse(g.URL)
		if err != nil {
			ve.Add("gateway.url %q is not a valid URL", g.URL)
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			ve.Add("gateway.url %q must use the ws or wss scheme", g.URL)
		} else if u.Host == "" {
			ve.Add("gateway.url %q has no host", g.URL)
		}
	}

	validateDuration(ve, "gateway.reconnect_delay", g.ReconnectDelay)
	validateDuration(ve, "gateway.call_timeout", g.CallTimeout)
	validateDuration(ve, "gateway.handshake_timeout", g.HandshakeTimeout)

	if g.Client.ID == "" {
		ve.Add("gateway.client.id must not be empty")
	}
	if g.Role == "" {
		ve.Add("gateway.role must not be empty")
	}
	if len(g.Scopes) == 0 {
		ve.Add("gateway.scopes must not be empty")
	}
	for i, s := range g.Scopes {
		if strings.TrimSpace(s) == "" {
			ve.Add("gateway.scopes[%d] must not be blank", i)
		}
	}
}

func validateDuration(ve *ValidationError, field, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		ve.Add("%s %q is not a valid duration", field, value)
		return
	}
	if d <= 0 {
		ve.Add("%s must be > 0", field)
	}
}

var validLogLevels = map[string]bool{
	"":        true,
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validateEventLog(cfg *Config, ve *ValidationError) {
	if cfg.EventLog.Capacity <= 0 {
		ve.Add("event_log.capacity must be > 0")
	}
}

func validatePolls(cfg *Config, ve *ValidationError) {
	if !cfg.Polls.Enabled {
		return
	}
	if cfg.Polls.RatePerMinute <= 0 {
		ve.Add("polls.rate_per_minute must be > 0 when polls are enabled")
	}
	if cfg.Polls.Burst <= 0 {
		ve.Add("polls.burst must be > 0 when polls are enabled")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Polls.Entries {
		if p.Name == "" {
			ve.Add("polls.entries[%d].name must not be empty", i)
		} else if seen[p.Name] {
			ve.Add("polls.entries[%d]: duplicate poll name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Method == "" {
			ve.Add("polls.entries[%d].method must not be empty", i)
		}
		// The schedule syntax itself (cron vs duration) is checked where
		// the poll is registered; here only presence.
		if p.Schedule == "" {
			ve.Add("polls.entries[%d].schedule must not be empty", i)
		}
		if p.Params != "" && !json.Valid([]byte(p.Params)) {
			ve.Add("polls.entries[%d].params is not valid JSON", i)
		}
	}
}
