package config

import "fmt"

// validate rejects configurations the process cannot run with. Everything
// here is startup-fatal; nothing degrades silently at runtime.
func validate(c *Config) error {
	switch c.App.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", c.App.LogLevel)
	}
	if c.Runner.MaxExposure < 0 {
		return fmt.Errorf("runner.max_exposure cannot be negative")
	}
	if c.Runner.FeeBuffer < 0 || c.Runner.FeeBuffer > 0.1 {
		return fmt.Errorf("runner.fee_buffer must be within [0, 0.1], got %v", c.Runner.FeeBuffer)
	}
	if c.Exchange.ProxyEnabled && c.Exchange.RESTProxyURL == "" {
		return fmt.Errorf("exchange.rest_proxy_url is required when proxy is enabled")
	}
	return nil
}
