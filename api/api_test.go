package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/resync/api"
	"github.com/TFMV/resync/pkg/core"
)

type fakeRunner struct {
	mu      sync.Mutex
	release chan struct{}
	limits  []int
}

func (f *fakeRunner) RunWithID(ctx context.Context, runID string, tasks []core.Task, limit int) []core.TaskOutcome {
	f.mu.Lock()
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	out := make([]core.TaskOutcome, len(tasks))
	for i, t := range tasks {
		out[i] = core.TaskOutcome{TaskID: t.ID, RunID: runID, Status: core.StatusSuccess}
	}
	return out
}

func taskSource(ctx context.Context, ids ...string) ([]core.Task, error) {
	all := []core.Task{{ID: "1"}, {ID: "2"}}
	if len(ids) == 0 {
		return all, nil
	}
	var out []core.Task
	for _, t := range all {
		for _, id := range ids {
			if t.ID == id {
				out = append(out, t)
			}
		}
	}
	if len(out) == 0 && ids[0] == "bad" {
		return nil, errors.New("unknown task bad")
	}
	return out, nil
}

func newServer(runner api.Runner) *api.Server {
	return api.NewServer(api.ServerOptions{
		Port:        "8080",
		Prefork:     false,
		Runner:      runner,
		Tasks:       taskSource,
		Concurrency: 2,
		Metrics:     promhttp.Handler(),
	})
}

// TestNewServer ensures that creating a new server does not return a nil instance
func TestNewServer(t *testing.T) {
	s := api.NewServer(api.ServerOptions{Port: "8080"})
	require.NotNil(t, s, "Expected a non-nil server instance")
}

// TestHealthEndpoint checks if the /health endpoint returns "OK"
func TestHealthEndpoint(t *testing.T) {
	s := newServer(&fakeRunner{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := s.GetApp().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
}

type versionResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Build   string `json:"build"`
	Time    string `json:"time"`
}

// TestVersionEndpoint checks if the /version endpoint returns the correct JSON structure
func TestVersionEndpoint(t *testing.T) {
	s := newServer(&fakeRunner{})
	resp, err := s.GetApp().Test(httptest.NewRequest(http.MethodGet, "/version", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var v versionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "Resync API", v.Service)
	assert.NotEmpty(t, v.Version)
	assert.NotEmpty(t, v.Build)
	assert.NotEmpty(t, v.Time)
}

// TestMetricsEndpoint serves the prometheus handler.
func TestMetricsEndpoint(t *testing.T) {
	s := newServer(&fakeRunner{})
	resp, err := s.GetApp().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func getRun(t *testing.T, s *api.Server, id string) (int, api.Run) {
	t.Helper()
	resp, err := s.GetApp().Test(httptest.NewRequest(http.MethodGet, "/runs/"+id, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	var run api.Run
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	}
	return resp.StatusCode, run
}

// TestStartRun runs the requested tasks in the background and exposes their outcomes.
func TestStartRun(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s := newServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"tasks":["2"],"concurrency":4}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.GetApp().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started api.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, api.RunStateRunning, started.State)
	assert.Equal(t, 1, started.Tasks)

	code, run := getRun(t, s, started.ID)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, api.RunStateRunning, run.State)

	close(runner.release)
	assert.Eventually(t, func() bool {
		_, run := getRun(t, s, started.ID)
		return run.State == api.RunStateFinished
	}, 2*time.Second, 10*time.Millisecond)

	_, run = getRun(t, s, started.ID)
	require.Len(t, run.Outcomes, 1)
	assert.Equal(t, "2", run.Outcomes[0].TaskID)
	assert.Equal(t, started.ID, run.Outcomes[0].RunID)
	assert.Equal(t, []int{4}, runner.limits)

	require.NoError(t, s.Shutdown(context.Background()))
}

// TestStartRunDefaults runs every task with the server concurrency when the body is empty.
func TestStartRunDefaults(t *testing.T) {
	runner := &fakeRunner{}
	s := newServer(runner)

	resp, err := s.GetApp().Test(httptest.NewRequest(http.MethodPost, "/runs", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, []int{2}, runner.limits)
}

// TestStartRunErrors rejects unknown tasks and disabled runners.
func TestStartRunErrors(t *testing.T) {
	s := newServer(&fakeRunner{})

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"tasks":["bad"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.GetApp().Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"tasks":["9"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = s.GetApp().Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	bare := api.NewServer(api.ServerOptions{})
	resp, err = bare.GetApp().Test(httptest.NewRequest(http.MethodPost, "/runs", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestGetUnknownRun returns 404.
func TestGetUnknownRun(t *testing.T) {
	code, _ := getRun(t, newServer(&fakeRunner{}), "nope")
	assert.Equal(t, http.StatusNotFound, code)
}

// TestShutdown verifies that calling Shutdown on the server does not return an error
func TestShutdown(t *testing.T) {
	s := api.NewServer(api.ServerOptions{Port: "8080"})
	assert.NoError(t, s.Shutdown(context.Background()))
}
