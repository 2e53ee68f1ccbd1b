package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  env: prod
exchange:
  api_key: k
  api_secret: s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":8088", cfg.App.HTTPAddr)
	assert.Equal(t, 15, cfg.Exchange.HTTPTimeoutSeconds)
	assert.Equal(t, 5, cfg.Runner.BreakerThreshold)
	assert.Equal(t, 0.002, cfg.Runner.FeeBuffer)
	assert.Equal(t, "data/candles", cfg.Backtest.DataRoot)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad log level": `
app:
  log_level: verbose
`,
		"proxy without url": `
exchange:
  proxy_enabled: true
`,
		"negative exposure": `
runner:
  max_exposure: -1
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
