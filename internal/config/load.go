package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads, strictly decodes, and validates the config file at path.
// Both YAML and JSON files are accepted; YAML is coerced to JSON so one
// strict decoder (DisallowUnknownFields) covers both.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.MainGroup.JID) == "" {
		return errors.New("main_group.jid is required")
	}
	if strings.TrimSpace(c.Agent.Command) == "" {
		return errors.New("agent.command is required")
	}
	if c.Queue.MaxConcurrent < 0 {
		return errors.New("queue.max_concurrent must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Scheduler.StaleOncePolicy)) {
	case "", "fire", "skip":
	default:
		return fmt.Errorf("scheduler.stale_once_policy must be \"fire\" or \"skip\", got %q", c.Scheduler.StaleOncePolicy)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	// Parse all duration fields up front so bad values fail at load, not later.
	fields := []struct {
		path string
		raw  string
	}{
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"queue.exec_timeout", c.Queue.ExecTimeout},
		{"queue.shutdown_grace", c.Queue.ShutdownGrace},
		{"mailbox.poll_interval", c.Mailbox.PollInterval},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// DataDirOrDefault returns the configured data dir, defaulting to "./data".
func (c *Config) DataDirOrDefault() string {
	d := strings.TrimSpace(c.DataDir)
	if d == "" {
		d = "./data"
	}
	return filepath.Clean(d)
}

// StorePath returns the configured database path, defaulting to a file inside
// the data dir.
func (c *Config) StorePath() string {
	p := strings.TrimSpace(c.Store.Path)
	if p == "" {
		p = filepath.Join(c.DataDirOrDefault(), "nanoclaw.db")
	}
	return p
}

// ConsoleEnabled defaults console logging to on when unset.
func (c *Config) ConsoleEnabled() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}

// ParseDurationField parses an optional duration config field.
// An empty string yields 0 (caller applies its default).
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault parses an optional duration field and substitutes
// def when the field is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) covers both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
