package server_test

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/courtyard-app/courtyard/internal/event"
	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/server"
	"github.com/courtyard-app/courtyard/internal/service"
)

func newServer(t *testing.T, scripts map[string]string) *httptest.Server {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	home := t.TempDir()
	scriptsDir := filepath.Join(home, "scripts")
	require.NoError(t, os.MkdirAll(scriptsDir, 0o755))
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(scriptsDir, name), []byte(body+"\n"), 0o644))
	}

	cfg := model.DefaultConfig(t.Context())
	cfg.Home = home
	cfg.Python = sh
	cfg.Scripts = scriptsDir

	reg := prometheus.NewRegistry()
	broker := event.NewBroker()
	sup := service.NewSupervisor(t.Context(), cfg,
		service.WithEmitter(broker),
		service.WithMetrics(service.NewMetrics(reg)),
	)
	ts := httptest.NewServer(server.New(sup, broker, reg).Handler())
	t.Cleanup(func() {
		sup.Close()
		broker.Close()
		ts.Close()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	var sb strings.Builder
	_, err = bufio.NewReader(resp.Body).WriteTo(&sb)
	require.NoError(t, err)
	return resp.StatusCode, sb.String()
}

func TestStatusCodes(t *testing.T) {
	t.Parallel()
	ts := newServer(t, map[string]string{
		service.ScriptGenerate: "exit 0",
		service.ScriptDownload: "exit 0",
	})

	var testCases = []struct {
		scenario string
		method   string
		path     string
		body     string
		status   int
	}{
		{"health", http.MethodGet, "/healthz", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"jobs", http.MethodGet, "/jobs", "", http.StatusOK},
		{"stop generation without run", http.MethodDelete, "/generation", "", http.StatusNotFound},
		{"stop unknown download", http.MethodDelete, "/downloads/org/model", "", http.StatusNotFound},
		{"malformed body", http.MethodPost, "/generation", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/downloads", `{"repo":"x"}`, http.StatusBadRequest},
		{"missing cleaned data", http.MethodPost, "/generation", `{"project_id":"p1","mode":"qa","model":"m"}`, http.StatusBadRequest},
		{"missing script", http.MethodPost, "/inference", `{"prompt":"hi","model":"m"}`, http.StatusBadRequest},
		{"preview without dataset", http.MethodGet, "/projects/p1/preview", "", http.StatusNotFound},
		{"invalid version", http.MethodGet, "/projects/p1/preview?version=..", "", http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			status, body := do(t, ts, tc.method, tc.path, tc.body)
			require.Equalf(t, tc.status, status, "body: %s", body)
		})
	}
}

func TestProjects(t *testing.T) {
	t.Parallel()
	ts := newServer(t, nil)

	status, body := do(t, ts, http.MethodGet, "/projects", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `[]`, body)

	status, _ = do(t, ts, http.MethodPut, "/projects/p1", "")
	require.Equal(t, http.StatusOK, status)

	status, body = do(t, ts, http.MethodGet, "/projects", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `["p1"]`, body)

	status, body = do(t, ts, http.MethodGet, "/projects/p1/versions", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `[]`, body)
}

// stream subscribes to the download events and returns the lines read.
func stream(t *testing.T, ts *httptest.Server) <-chan string {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/events?domain=download", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string)
	done := t.Context().Done()
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	require.Equal(t, ": connected", <-lines)
	return lines
}

type frame struct {
	name string
	data event.Event
}

// frames reads until the terminal event. Every frame must be exactly one
// event line followed by one data line and a blank line.
func frames(t *testing.T, lines <-chan string) []frame {
	t.Helper()
	timeout := time.After(10 * time.Second)
	read := func() string {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			return line
		case <-timeout:
			t.Fatal("no terminal event")
			return ""
		}
	}

	var ret []frame
	for {
		line := read()
		if strings.HasPrefix(line, ":") || line == "" {
			continue
		}
		name, found := strings.CutPrefix(line, "event: ")
		require.Truef(t, found, "expected event line, got %q", line)
		line = read()
		data, found := strings.CutPrefix(line, "data: ")
		require.Truef(t, found, "expected data line, got %q", line)
		require.Equal(t, "", read())

		var ev event.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		require.Equal(t, ev.Channel, name)
		ret = append(ret, frame{name: name, data: ev})
		if ev.Final {
			return ret
		}
	}
}

func names(ff []frame) []string {
	ret := make([]string, len(ff))
	for i, f := range ff {
		ret[i] = f.name
	}
	return ret
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	ts := newServer(t, map[string]string{
		service.ScriptDownload: `printf '{"type":"progress","percent":100}\n'`,
	})
	lines := stream(t, ts)

	status, body := do(t, ts, http.MethodPost, "/downloads", `{"repo_id":"org/model"}`)
	require.Equal(t, http.StatusAccepted, status)
	var ack service.Ack
	require.NoError(t, json.Unmarshal([]byte(body), &ack))
	require.Equal(t, model.DomainDownload, ack.Domain)

	ff := frames(t, lines)
	require.Equal(t, []string{"download:progress", "download:finished"}, names(ff))
	final := ff[len(ff)-1].data
	require.Equal(t, ack.RunID, final.RunID)
	require.Equal(t, true, final.Fields["success"])
}

func TestEventStreamFraming(t *testing.T) {
	t.Parallel()
	ts := newServer(t, map[string]string{
		service.ScriptDownload: `printf '%s\n' '{"type":"x\ndata: forged\n\nevent: download:finished"}'
exit 1`,
	})
	lines := stream(t, ts)

	status, _ := do(t, ts, http.MethodPost, "/downloads", `{"repo_id":"org/model"}`)
	require.Equal(t, http.StatusAccepted, status)

	ff := frames(t, lines)
	require.Equal(t, []string{"download:unknown", "download:finished"}, names(ff))
	require.Equal(t, "x\ndata: forged\n\nevent: download:finished", ff[0].data.Fields["type"])
	require.Equal(t, false, ff[1].data.Fields["success"])
}
