package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// toMap round-trips cfg through JSON so paths match the file layout.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "ledger.apiBase").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets an existing config value by dot-notation path.
// Unknown paths are rejected so a typo never writes a dead key.
// cfg is only replaced once the updated document decodes cleanly.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}

	last := parts[len(parts)-1]
	existing, ok := parent[last]
	if !ok && !optionalKeys[path] {
		return fmt.Errorf("key not found: %s", path)
	}
	parent[last] = parseValue(existing, value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	updated := Defaults()
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	*cfg = *updated
	return nil
}

// optionalKeys are omitempty fields that may be absent from the JSON form.
var optionalKeys = map[string]bool{
	"general.logFile":        true,
	"whatsapp.appSecret":     true,
	"llm.profilePath":        true,
	"transcription.apiBase":  true,
	"transcription.apiKey":   true,
	"transcription.model":    true,
	"transcription.language": true,
	"archive.dir":            true,
	"archive.bucket":         true,
	"archive.prefix":         true,
	"archive.endpoint":       true,
	"admin.token":            true,
}

// parseValue converts a CLI string to the JSON type of the value it replaces.
// Absent optional keys are always strings.
func parseValue(existing, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch existing.(type) {
	case nil, string:
		return s
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.HasPrefix(s, "[") {
		var list []any
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list
		}
	}
	return s
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.WhatsApp.AccessToken = maskString(c.WhatsApp.AccessToken)
	c.WhatsApp.AppSecret = maskString(c.WhatsApp.AppSecret)
	c.WhatsApp.VerifyToken = maskString(c.WhatsApp.VerifyToken)
	c.LLM.APIKey = maskString(c.LLM.APIKey)
	c.Transcription.APIKey = maskString(c.Transcription.APIKey)
	c.Admin.Token = maskString(c.Admin.Token)
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// MaskSecret is maskString for callers outside the package.
func MaskSecret(s string) string { return maskString(s) }

// ListPaths returns all config paths with their current values.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenMap(path, nested, result)
			continue
		}
		result[path] = v
	}
}
