package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
broker: http://localhost:3000
until: 1440
services:
  - name: scenario
    endpoint: http://localhost:3001
    setup:
      demands:
        - user_id: User1
          dept: 490
  - name: ondemand
    endpoint: http://localhost:3002
    setup:
      board_time: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000", cfg.Broker)
	assert.Equal(t, 1440.0, cfg.Until)
	assert.Equal(t, "events.txt", cfg.Output)
	assert.Equal(t, 10*time.Second, cfg.Interval())
	require.Len(t, cfg.Services, 2)

	descs, err := cfg.Descriptors()
	require.NoError(t, err)
	assert.Equal(t, "scenario", descs[0].Name)
	assert.JSONEq(t, `{"demands":[{"user_id":"User1","dept":490}]}`, string(descs[0].Setup))
	assert.JSONEq(t, `{"board_time":10}`, string(descs[1].Setup))
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing broker", content: "until: 10\nservices: [{name: a, endpoint: b}]"},
		{name: "missing horizon", content: "broker: b\nservices: [{name: a, endpoint: b}]"},
		{name: "no services", content: "broker: b\nuntil: 10"},
		{name: "unnamed service", content: "broker: b\nuntil: 10\nservices: [{endpoint: x}]"},
		{name: "not yaml", content: "::::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
