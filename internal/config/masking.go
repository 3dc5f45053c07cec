package config

import "strings"

// maskSecret keeps the first and last 4 characters of a secret.
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) < 8 {
		return "***"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// Masked returns a copy safe to print: the dashboard key and any scheduler
// setting that looks like a credential are masked.
func (c *Config) Masked() *Config {
	out := *c
	out.Dashboard.APIKey = maskSecret(c.Dashboard.APIKey)
	out.Schedulers.Enabled = append([]string(nil), c.Schedulers.Enabled...)
	out.Schedulers.Settings = make(map[string]string, len(c.Schedulers.Settings))
	for k, v := range c.Schedulers.Settings {
		if isSecretKey(k) {
			v = maskSecret(v)
		}
		out.Schedulers.Settings[k] = v
	}
	return &out
}

func isSecretKey(key string) bool {
	key = strings.ToUpper(key)
	for _, marker := range []string{"TOKEN", "SECRET", "PASSWORD", "KEY"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func formatValidationError(field, message, secret string) error {
	msg := field + " " + message
	if masked := maskSecret(secret); masked != "" {
		msg += " (value: " + masked + ")"
	}
	return &ValidationError{Field: field, Message: msg}
}

// ValidationError is a config problem tied to one field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
