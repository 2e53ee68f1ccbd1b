package config

// Config is the process-wide configuration tree, loaded once at startup.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Backtest BacktestConfig `mapstructure:"backtest"`
}

type AppConfig struct {
	Env             string `mapstructure:"env"`
	LogLevel        string `mapstructure:"log_level"`
	LogPath         string `mapstructure:"log_path"`
	DBPath          string `mapstructure:"db_path"`
	HTTPAddr        string `mapstructure:"http_addr"`
	DeploymentsPath string `mapstructure:"deployments_path"`
}

type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	SpotBaseURL    string `mapstructure:"spot_base_url"`
	FuturesBaseURL string `mapstructure:"futures_base_url"`

	HTTPTimeoutSeconds    int  `mapstructure:"http_timeout_seconds"`
	StaleThresholdSeconds int  `mapstructure:"stale_threshold_seconds"`
	ProxyEnabled          bool `mapstructure:"proxy_enabled"`
	RESTProxyURL          string `mapstructure:"rest_proxy_url"`
}

type RunnerConfig struct {
	TickTimeoutSeconds    int     `mapstructure:"tick_timeout_seconds"`
	BreakerThreshold      int     `mapstructure:"breaker_threshold"`
	BreakerTimeoutSeconds int     `mapstructure:"breaker_timeout_seconds"`
	StopTimeoutSeconds    int     `mapstructure:"stop_timeout_seconds"`
	MaxExposure           float64 `mapstructure:"max_exposure"`
	FeeBuffer             float64 `mapstructure:"fee_buffer"`
}

type BacktestConfig struct {
	DataRoot  string `mapstructure:"data_root"`
	ReportDir string `mapstructure:"report_dir"`
}
