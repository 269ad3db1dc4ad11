package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
home: /srv/courtyard
wrapper:
  - caffeinate
  - -i
stderr_tail: 12
huggingface:
  endpoint: https://hf-mirror.example.com
service:
  verbose: true
  log: discard
  listen: 127.0.0.1:9000
sweep:
  enabled: true
  min_age: PT2H
  cron: "*/30 * * * *"
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/srv/courtyard", cfg.HomeDir())
	require.Equal(t, "/srv/courtyard/python/.venv/bin/python", cfg.PythonBin())
	require.Equal(t, []string{"caffeinate", "-i"}, cfg.Wrapper)
	require.Equal(t, 12, cfg.TailLines())
	require.NotNil(t, cfg.HuggingFace)
	require.Equal(t, "https://hf-mirror.example.com", cfg.HuggingFace.Endpoint)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogDiscard, cfg.Service.Log)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
	require.NotNil(t, cfg.Sweep)
	require.True(t, cfg.Sweep.Enabled)
	age, err := cfg.SweepMinAge()
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, age)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.Equal(t, model.DefaultStderrTail, cfg.TailLines())
	require.Equal(t, model.DefaultListen, cfg.ListenAddr())
	require.Nil(t, cfg.Sweep)
	age, err := cfg.SweepMinAge()
	require.NoError(t, err)
	require.Equal(t, 6*time.Hour, age)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		code     string
	}{
		{"wrong version", "version: 1\n", "conflicting_values"},
		{"unknown field", "version: 0\nfoo: bar\n", "unknown_field"},
		{"tail out of range", "version: 0\nstderr_tail: 0\n", ""},
		{"empty python", "version: 0\npython: \"\"\n", ""},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tt.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			if tt.code != "" {
				codes := make([]string, 0, len(details))
				for _, d := range details {
					codes = append(codes, d.Code)
				}
				require.Contains(t, codes, tt.code)
			}
		})
	}
}
