package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/chanctl/internal/protocol"
	"github.com/danmuck/chanctl/internal/protocol/frame"
	"github.com/danmuck/chanctl/internal/scenario"
	"github.com/danmuck/chanctl/internal/testutil/phxtest"
	"github.com/danmuck/chanctl/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokens(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, ".tokens.json")
	data := `{"userA":{"token":"a","userId":"u1"},"userB":{"token":"b","userId":"u2"}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func testRunConfig(t *testing.T, url string) runConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := defaultRunConfig()
	cfg.URL = url
	cfg.TokensPath = writeTokens(t, dir)
	cfg.ResultDir = filepath.Join(dir, "results")
	cfg.ConvID = "abc"
	cfg.Parallel = 1
	cfg.WaitTimeout = 2 * time.Second
	return cfg
}

func TestRunScenariosPass(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t)
	go func() {
		join := srv.NextEvent(t, protocol.EventJoin, 2*time.Second)
		srv.Push(t, join.JoinRef, join.Topic, "typing:start", map[string]any{"user_id": "u1"})
	}()

	cfg := testRunConfig(t, srv.URL)
	cfg.MetricsOut = filepath.Join(t.TempDir(), "chanctl.prom")
	var out bytes.Buffer
	results, err := runScenarios(context.Background(), cfg, []string{"typing"}, &out, log.Logger)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)
	assert.NotEmpty(t, results[0].RunID)
	assert.Contains(t, out.String(), "PASS: typing")
	assert.Equal(t, "b", srv.Query().Get(protocol.ParamToken))

	data, err := os.ReadFile(scenario.ResultPath(cfg.ResultDir, "typing"))
	require.NoError(t, err)
	var persisted scenario.Result
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, "chat:abc", persisted.Topic)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(persisted.Payload))

	metrics, err := os.ReadFile(cfg.MetricsOut)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "chanctl_scenario_runs_total")
}

func TestRunScenariosRejectedJoinFails(t *testing.T) {
	testlog.Start(t)

	srv := phxtest.New(t, phxtest.WithJoinReply(func(frame.Frame) (any, bool) {
		return map[string]any{"status": "error", "response": map[string]any{"reason": "unauthorized"}}, true
	}))
	cfg := testRunConfig(t, srv.URL)

	var out bytes.Buffer
	results, err := runScenarios(context.Background(), cfg, []string{"text_chat"}, &out, log.Logger)
	require.ErrorIs(t, err, errScenariosFailed)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Error, "unauthorized")
	assert.Contains(t, out.String(), "FAIL: text_chat")
	assert.FileExists(t, scenario.ResultPath(cfg.ResultDir, "text_chat"))
}

func TestRunScenariosConnectFailureIsRecorded(t *testing.T) {
	testlog.Start(t)

	cfg := testRunConfig(t, "ws://127.0.0.1:1/socket/websocket")
	var out bytes.Buffer
	results, err := runScenarios(context.Background(), cfg, []string{"presence"}, &out, log.Logger)
	require.ErrorIs(t, err, errScenariosFailed)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, "connect")
}

func TestRunScenariosValidatesInput(t *testing.T) {
	testlog.Start(t)

	cfg := testRunConfig(t, "ws://127.0.0.1:1/socket/websocket")
	var out bytes.Buffer

	_, err := runScenarios(context.Background(), cfg, nil, &out, log.Logger)
	assert.Error(t, err)

	_, err = runScenarios(context.Background(), cfg, []string{"nope"}, &out, log.Logger)
	assert.ErrorIs(t, err, scenario.ErrUnknownScenario)

	cfg.ConvID = ""
	_, err = runScenarios(context.Background(), cfg, []string{"typing"}, &out, log.Logger)
	assert.ErrorContains(t, err, "--conv-id")

	cfg.TokensPath = filepath.Join(t.TempDir(), "missing.json")
	_, err = runScenarios(context.Background(), cfg, []string{"presence"}, &out, log.Logger)
	assert.ErrorIs(t, err, scenario.ErrTokensNotFound)
	assert.Empty(t, out.String())
}

func TestListCommandPrintsCatalogue(t *testing.T) {
	testlog.Start(t)

	cmd := listCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	for _, name := range scenario.Names() {
		assert.Contains(t, out.String(), name)
	}
}
