package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsTemplate = `dev_mode: true
files:
  pump_config: %[1]s/pump_config.json
  cocktails: %[1]s/cocktails.json
  bottles: %[1]s/bottle_config.json
  role_marker: %[1]s/gpio_owner
  gpio_lock: %[1]s/gpio.lock
  refresh_signal: %[1]s/interface_signal.json
  database: %[1]s/tipsy.db
calibration:
  ml_coefficient: 0.0005
  peristaltic_ml_coefficient: 0.0005
  membrane_ml_coefficient: 0.0005
  carbonated_membrane_ml_coefficient: 0.0006
log:
  level: error
`

func newSettings(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"pump_config.json": `{"Pump 1": "Gin", "Pump 2": {"ingredient": "Tonic", "carbonated": true}}`,
		"cocktails.json":   `{"cocktails": [{"normal_name": "Gin Tonic", "ingredients": {"Gin": "50 ml", "Tonic": "100 ml"}}, {"normal_name": "Mojito", "ingredients": {"Rum": "50 ml"}}]}`,
		"tipsy.yaml":       fmt.Sprintf(settingsTemplate, dir),
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return filepath.Join(dir, "tipsy.yaml")
}

func run(t *testing.T, settingsFile string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--settings", settingsFile}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestBottlesCommands(t *testing.T) {
	f := newSettings(t)
	out, err := run(t, f, "bottles", "rebuild")
	require.NoError(t, err)
	assert.Contains(t, out, "added [gin tonic]")

	out, err = run(t, f, "bottles", "set", "gin", "150")
	require.NoError(t, err)
	assert.Contains(t, out, "150 ml")
	assert.Contains(t, out, "1 low, 0 empty")

	out, err = run(t, f, "bottles", "refill", "gin")
	require.NoError(t, err)
	assert.Contains(t, out, "2,000 of 2,000 ml")

	_, err = run(t, f, "bottles", "set", "vodka", "10")
	assert.Error(t, err)
	_, err = run(t, f, "bottles", "set", "gin", "lots")
	assert.Error(t, err)

	out, err = run(t, f, "bottles", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "ledger ok")
}

func TestPourCommand(t *testing.T) {
	f := newSettings(t)
	out, err := run(t, f, "pour", "gin tonic")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Gin Tonic (single): completed, 150 ml")

	out, err = run(t, f, "pour", "shot", "--ingredient", "gin=4cl", "--intensity", "double")
	require.NoError(t, err, out)
	assert.Contains(t, out, "shot (double): completed, 80 ml")

	out, err = run(t, f, "bottles", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "870 ml")
	assert.Contains(t, out, "900 ml")

	_, err = run(t, f, "pour", "gin tonic", "--intensity", "triple")
	assert.Error(t, err)
	_, err = run(t, f, "pour", "negroni")
	assert.Error(t, err)
}

func TestOwnerBlocksPours(t *testing.T) {
	f := newSettings(t)
	out, err := run(t, f, "owner", "streamlit")
	require.NoError(t, err)
	assert.Contains(t, out, "pumps owned by streamlit (this process runs as interface)")

	_, err = run(t, f, "pour", "gin tonic")
	assert.Error(t, err)

	_, err = run(t, f, "owner", "bartender")
	assert.Error(t, err)

	out, err = run(t, f, "--role", "streamlit", "pour", "gin tonic")
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")
}

func TestCocktailsCommand(t *testing.T) {
	f := newSettings(t)
	_, err := run(t, f, "bottles", "rebuild")
	require.NoError(t, err)

	out, err := run(t, f, "cocktails")
	require.NoError(t, err)
	assert.Contains(t, out, "Gin Tonic")
	assert.Contains(t, out, "Mojito")

	out, err = run(t, f, "cocktails", "--available")
	require.NoError(t, err)
	assert.Contains(t, out, "Gin Tonic")
	assert.NotContains(t, out, "Mojito")

	out, err = run(t, f, "cocktails", "gin tonic")
	require.NoError(t, err)
	assert.Contains(t, out, "50 ml")
}

func TestPumpsCommands(t *testing.T) {
	f := newSettings(t)
	out, err := run(t, f, "pumps", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Tonic (carbonated)")

	out, err = run(t, f, "pumps", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated")

	out, err = run(t, f, "pumps", "pulse", "2", "--seconds", "0.01")
	require.NoError(t, err)
	assert.Contains(t, out, "pump 2 ran")
	_, err = run(t, f, "pumps", "pulse", "2", "--seconds", "0.01", "--reverse")
	assert.Error(t, err, "membrane pumps do not reverse")

	out, err = run(t, f, "pumps", "calibrate", "3", "--seconds", "10", "--ml", "80")
	require.NoError(t, err)
	assert.Contains(t, out, "0.1250 s/ml")
	data, err := os.ReadFile(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), "membrane_ml_coefficient: 0.125")
}
