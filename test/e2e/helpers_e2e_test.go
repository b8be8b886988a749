//go:build e2e
// +build e2e

// Package e2e_test drives a deployed pipeline stack over plain HTTP: the ops
// API plus at least one orchestrator (worker pool) against real Postgres.
// Configuration comes from the environment:
//
//	E2E_BASE_URL  base URL of the ops API (default http://localhost:8080)
//	E2E_API_KEY   admin key for mutating routes (default test-admin-key)
//
// Run with `go test -tags e2e ./test/e2e/...` against a running stack.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:8080") }
func apiKey() string  { return getenv("E2E_API_KEY", "test-admin-key") }

// waitForReady polls /readyz until the stack reports its backing services
// healthy, failing the test when the deadline passes first.
func waitForReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/readyz")
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
			last = fmt.Sprintf("status %d: %s", resp.StatusCode, body)
		} else {
			last = err.Error()
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("stack not ready after %s, last: %s", timeout, last)
}

// getJSON issues a GET and decodes the JSON body.
func getJSON(t *testing.T, client *http.Client, path string) (int, map[string]any) {
	t.Helper()
	resp, err := client.Get(baseURL() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeJSON(t, resp.Body)
}

// postJSON issues a POST with the admin key unless withKey is false.
func postJSON(t *testing.T, client *http.Client, path string, body any, withKey bool) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, baseURL()+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if withKey {
		req.Header.Set("X-API-Key", apiKey())
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeJSON(t, resp.Body)
}

func decodeJSON(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	require.NoErrorf(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

// enqueueJob posts to /v1/jobs and returns the accepted job id.
func enqueueJob(t *testing.T, client *http.Client, body map[string]any) string {
	t.Helper()
	status, resp := postJSON(t, client, "/v1/jobs", body, true)
	require.Equalf(t, http.StatusAccepted, status, "enqueue response: %#v", resp)
	id, _ := resp["id"].(string)
	require.NotEmpty(t, id)
	return id
}

// waitForJob polls the job until it reaches a terminal status.
func waitForJob(t *testing.T, client *http.Client, jobID string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		status, job := getJSON(t, client, "/v1/jobs/"+jobID)
		require.Equal(t, http.StatusOK, status)
		last = job
		switch job["status"] {
		case "completed", "failed", "cancelled":
			return job
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatalf("job %s not terminal after %s, last: %#v", jobID, timeout, last)
	return nil
}

// errorCode digs the code out of the error envelope.
func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	env, ok := body["error"].(map[string]any)
	require.Truef(t, ok, "no error envelope in %#v", body)
	code, _ := env["code"].(string)
	return code
}
