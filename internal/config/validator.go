package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationResult separates blocking errors from non-blocking warnings.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// IsValid returns true if there are no validation errors. Warnings do not
// affect validity.
func (vr *ValidationResult) IsValid() bool {
	return len(vr.Errors) == 0
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// AddError adds an error message to the validation result.
func (vr *ValidationResult) AddError(msg string) {
	vr.Errors = append(vr.Errors, msg)
}

// AddWarning adds a warning message to the validation result.
func (vr *ValidationResult) AddWarning(msg string) {
	vr.Warnings = append(vr.Warnings, msg)
}

// Merge combines another validation result into this one.
func (vr *ValidationResult) Merge(other ValidationResult) {
	vr.Errors = append(vr.Errors, other.Errors...)
	vr.Warnings = append(vr.Warnings, other.Warnings...)
}

// Validate checks the full configuration.
func (c *Config) Validate() ValidationResult {
	result := ValidationResult{}

	if len(c.Instances) == 0 {
		result.AddError("at least one portainer instance must be configured")
	}
	seen := map[string]bool{}
	for i, inst := range c.Instances {
		result.Merge(validateInstance(i, inst))
		if inst.URL != "" {
			if seen[inst.URL] {
				result.AddError(fmt.Sprintf("instance %d: duplicate url %s", i, inst.URL))
			}
			seen[inst.URL] = true
		}
	}

	for i, hook := range c.Webhooks {
		result.Merge(validateWebhook(i, hook))
	}
	if len(c.Webhooks) == 0 {
		result.AddWarning("no webhooks configured, update notifications are disabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		result.AddError(fmt.Sprintf("invalid log_level %q, must be one of debug, info, warn, error", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		result.AddError(fmt.Sprintf("invalid log_format %q, must be text or json", c.LogFormat))
	}

	if c.Upgrade.ProxyImagePattern != "" && c.Upgrade.ProxyFallbackURL == "" && !c.Upgrade.AllowIPScan {
		result.AddWarning("upgrade.proxy_image_pattern is set without proxy_fallback_url; upgrading the proxy may lose connectivity mid-upgrade")
	}
	if c.Upgrade.ProxyFallbackURL != "" {
		if _, err := parseHTTPURL(c.Upgrade.ProxyFallbackURL); err != nil {
			result.AddError(fmt.Sprintf("invalid upgrade.proxy_fallback_url: %v", err))
		}
	}

	return result
}

func validateInstance(index int, inst Instance) ValidationResult {
	result := ValidationResult{}

	if inst.URL == "" {
		result.AddError(fmt.Sprintf("instance %d: url is required", index))
	} else if _, err := parseHTTPURL(inst.URL); err != nil {
		result.AddError(fmt.Sprintf("instance %d: invalid url: %v", index, err))
	}

	hasAPIKey := inst.APIKey != ""
	hasCredentials := inst.Username != "" && inst.Password != ""
	if !hasAPIKey && !hasCredentials {
		result.AddError(fmt.Sprintf("instance %d: either api_key or username and password are required", index))
	}
	if hasAPIKey && hasCredentials {
		result.AddWarning(fmt.Sprintf("instance %d: both api_key and credentials set, api_key takes precedence", index))
	}
	return result
}

func validateWebhook(index int, hook Webhook) ValidationResult {
	result := ValidationResult{}
	if hook.URL == "" {
		result.AddError(fmt.Sprintf("webhook %d: url is required", index))
		return result
	}
	if _, err := parseHTTPURL(hook.URL); err != nil {
		result.AddError(fmt.Sprintf("webhook %d: invalid url: %v", index, err))
		return result
	}
	if !strings.Contains(hook.URL, "discord.com/api/webhooks/") && !strings.Contains(hook.URL, "discordapp.com/api/webhooks/") {
		result.AddWarning(fmt.Sprintf("webhook %d: url does not look like a Discord webhook", index))
	}
	return result
}

func parseHTTPURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return parsed, nil
}
