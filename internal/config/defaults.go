package config

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.DBPath == "" {
		c.App.DBPath = "data/cryptobots.db"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8088"
	}
	if c.Exchange.HTTPTimeoutSeconds <= 0 {
		c.Exchange.HTTPTimeoutSeconds = 15
	}
	if c.Exchange.StaleThresholdSeconds <= 0 {
		c.Exchange.StaleThresholdSeconds = 10
	}
	if c.Runner.TickTimeoutSeconds <= 0 {
		c.Runner.TickTimeoutSeconds = 45
	}
	if c.Runner.BreakerThreshold <= 0 {
		c.Runner.BreakerThreshold = 5
	}
	if c.Runner.BreakerTimeoutSeconds <= 0 {
		c.Runner.BreakerTimeoutSeconds = 120
	}
	if c.Runner.StopTimeoutSeconds <= 0 {
		c.Runner.StopTimeoutSeconds = 60
	}
	if c.Runner.FeeBuffer <= 0 {
		c.Runner.FeeBuffer = 0.002
	}
	if c.Backtest.DataRoot == "" {
		c.Backtest.DataRoot = "data/candles"
	}
	if c.Backtest.ReportDir == "" {
		c.Backtest.ReportDir = "data/reports"
	}
}
