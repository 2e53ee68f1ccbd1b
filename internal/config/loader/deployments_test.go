package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDeployments(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoaderReadsDeployments(t *testing.T) {
	path := writeDeployments(t, `
deployments:
  - name: eth-grid
    type: grid
    interval: 1m
    auto_start: true
    params:
      instrument: "ETH/USDT:USDT"
      levels: 5
      spacing_abs: 10
      investment: 500
  - name: eth-basis
    type: cashcarry
    params:
      spot_instrument: "ETH/USDT"
      perp_instrument: "ETH/USDT:USDT"
      investment: 3000
`)
	l, err := NewDeploymentLoader(path)
	require.NoError(t, err)

	snap := l.Snapshot()
	require.Len(t, snap.Deployments, 2)
	assert.Equal(t, "eth-grid", snap.Deployments[0].Name)
	assert.True(t, snap.Deployments[0].AutoStart)
	assert.Equal(t, "cashcarry", snap.Deployments[1].Type)
	assert.EqualValues(t, 1, snap.Version)
}

func TestLoaderRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"unknown type": `
deployments:
  - name: x
    type: martingale
    params: {}
`,
		"missing required param": `
deployments:
  - name: x
    type: grid
    params:
      instrument: "ETH/USDT:USDT"
`,
		"duplicate names": `
deployments:
  - name: x
    type: twap
    params: {instrument: "ETH/USDT", side: buy, total_quantity: 10, periods: 4}
  - name: x
    type: twap
    params: {instrument: "ETH/USDT", side: buy, total_quantity: 10, periods: 4}
`,
		"unknown field": `
deployments:
  - name: x
    type: twap
    leverage: 10
    params: {instrument: "ETH/USDT", side: buy, total_quantity: 10, periods: 4}
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewDeploymentLoader(writeDeployments(t, content))
			assert.Error(t, err)
		})
	}
}

func TestValidateParams(t *testing.T) {
	err := ValidateParams("twap", map[string]any{
		"instrument":     "ETH/USDT",
		"side":           "buy",
		"total_quantity": 10,
		"periods":        4,
	})
	assert.NoError(t, err)

	err = ValidateParams("twap", map[string]any{
		"instrument":     "ETH/USDT",
		"side":           "hold",
		"total_quantity": 10,
		"periods":        4,
	})
	assert.Error(t, err)

	err = ValidateParams("range", map[string]any{
		"instrument": "ETH/USDT:USDT",
		"lower":      80,
		"upper":      110,
		"levels":     "four",
		"max_position": 2,
	})
	assert.Error(t, err)
}
