package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andrej220/biusrv/internal/executor"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/internal/session/sessiontest"
	"github.com/andrej220/biusrv/pkg/config"
	"github.com/andrej220/biusrv/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inventory(names ...string) *config.Inventory {
	servers := make(map[string]config.Server, len(names))
	for _, n := range names {
		servers[n] = config.Server{Host: n + ".example", Username: "deploy"}
	}
	return &config.Inventory{Manage: config.Manage{Servers: servers}}
}

func newTestServer(t *testing.T, inv *config.Inventory) (*Server, *httptest.Server) {
	t.Helper()
	opener := &sessiontest.Opener{Make: func(tg session.Target) (session.Session, error) {
		s := sessiontest.New(tg.Name)
		s.Handler = func(_ context.Context, cmd string, _ session.ExecOptions) (*session.ExecResult, error) {
			if tg.Name == "bad" {
				return &session.ExecResult{ExitCode: 2, Stderr: "nope"}, nil
			}
			return &session.ExecResult{Stdout: "  load: 0.1  \nhost: " + tg.Name + "\n"}, nil
		}
		return s, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	srv := New(ctx, executor.New(opener, 4, nil), inv, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.Wait()
	})
	return srv, ts
}

func post(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/exec", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitRun(t *testing.T, ts *httptest.Server, id uuid.UUID) models.RunStatus {
	t.Helper()
	var st models.RunStatus
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/runs/" + id.String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		st = models.RunStatus{}
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st.State == models.RunFinished
	}, 2*time.Second, 10*time.Millisecond)
	return st
}

func TestExecRunsAsynchronously(t *testing.T) {
	_, ts := newTestServer(t, inventory("web1", "web2", "bad"))

	resp := post(t, ts, `{"all":true,"command":"uptime","processors":["trim","key_value"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted models.ExecResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEqual(t, uuid.Nil, accepted.RunID)

	st := waitRun(t, ts, accepted.RunID)
	assert.Equal(t, "uptime", st.Command)
	require.Len(t, st.Results, 3)
	assert.Equal(t, "bad", st.Results[0].Server)
	assert.Equal(t, "failed", st.Results[0].Outcome)
	assert.Equal(t, "CommandError", st.Results[0].Kind)
	assert.Equal(t, "success", st.Results[1].Outcome)
	assert.Equal(t, []string{"host: web1", "load: 0.1"}, st.Output["web1"])
	assert.NotContains(t, st.Output, "bad")
	assert.NotNil(t, st.Finished)
}

func TestExecRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, inventory("web1"))

	tests := []struct {
		name string
		body string
		want string
	}{
		{"no command", `{"servers":["web1"]}`, "Command"},
		{"no servers", `{"command":"uptime"}`, "Servers"},
		{"unknown server", `{"servers":["db9"],"command":"uptime"}`, "unknown server"},
		{"bad processor", `{"servers":["web1"],"command":"uptime","processors":["explode"]}`, "not registered"},
		{"bad shape", `{"servers":["web1"],"command":"uptime","shape":"tree"}`, "Shape"},
		{"retry too high", `{"servers":["web1"],"command":"uptime","max_retry":50}`, "MaxRetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body["error"], tt.want)
		})
	}
}

func TestRunLookupErrors(t *testing.T) {
	_, ts := newTestServer(t, inventory("web1"))

	resp, err := http.Get(ts.URL + "/runs/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/runs/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetInventoryAffectsNewRuns(t *testing.T) {
	srv, ts := newTestServer(t, inventory("web1"))

	assert.Equal(t, http.StatusBadRequest, post(t, ts, `{"servers":["web2"],"command":"id"}`).StatusCode)
	srv.SetInventory(inventory("web1", "web2"))
	assert.Equal(t, http.StatusAccepted, post(t, ts, `{"servers":["web2"],"command":"id"}`).StatusCode)

	resp, err := http.Get(ts.URL + "/servers")
	require.NoError(t, err)
	defer resp.Body.Close()
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	assert.Equal(t, []string{"web1", "web2"}, names)
}

func TestKeepRunsDropsOldest(t *testing.T) {
	srv, ts := newTestServer(t, inventory("web1"))
	srv.KeepRuns = 2

	var ids []uuid.UUID
	for range 3 {
		var r models.ExecResponse
		require.NoError(t, json.NewDecoder(post(t, ts, `{"servers":["web1"],"command":"id"}`).Body).Decode(&r))
		ids = append(ids, r.RunID)
	}
	_, ok := srv.lookup(ids[0])
	assert.False(t, ok)
	_, ok = srv.lookup(ids[2])
	assert.True(t, ok)

	resp, err := http.Get(ts.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []models.RunStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, inventory("web1"))
	st := waitRun(t, ts, func() uuid.UUID {
		var r models.ExecResponse
		require.NoError(t, json.NewDecoder(post(t, ts, `{"servers":["web1"],"command":"id"}`).Body).Decode(&r))
		return r.RunID
	}())
	require.Len(t, st.Results, 1)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "biusrv_executor_results_total")
}
