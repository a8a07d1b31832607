package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) Client {
	return NewHTTP(Config{BaseURL: url, APIKey: "sk", Workspace: "/workspace"}, nil)
}

func TestCreateParsesHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sandboxes", r.URL.Path)
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"sb-1","workspace":"/workspace"}`))
	}))
	defer srv.Close()

	h, err := newTestClient(srv.URL).Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sb-1", h.ID)
	assert.Equal(t, "/workspace", h.Workspace)
}

func TestCreateRejectionIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`quota exceeded`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Create(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWriteAndReadFile(t *testing.T) {
	stored := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			stored[path] = body
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			data, ok := stored[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	h := &Handle{ID: "sb-1", Workspace: "/workspace"}
	require.NoError(t, client.WriteFile(context.Background(), h, "/workspace/a.txt", []byte("hello")))

	data, err := client.ReadFile(context.Background(), h, "/workspace/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = client.ReadFile(context.Background(), h, "/workspace/missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sandboxes/sb-1/files/list", r.URL.Path)
		_, _ = w.Write([]byte(`{"entries":[{"name":"src","is_dir":true},{"name":"main.py","is_dir":false}]}`))
	}))
	defer srv.Close()

	entries, err := newTestClient(srv.URL).ListFiles(context.Background(), &Handle{ID: "sb-1"}, "/workspace")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, "main.py", entries[1].Name)
}

func TestExecCapturesAndTruncates(t *testing.T) {
	big := strings.Repeat("x", MaxCaptureBytes+100)
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		resp, _ := json.Marshal(map[string]any{"exit_code": 3, "stdout": big, "stderr": "short"})
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Exec(context.Background(), &Handle{ID: "sb-1"}, "make test", "/workspace", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Len(t, res.Stdout, MaxCaptureBytes)
	assert.True(t, res.StdoutTruncated)
	assert.Equal(t, "short", res.Stderr)
	assert.False(t, res.StderrTruncated)

	assert.Equal(t, "make test", captured["command"])
	assert.Equal(t, float64(60), captured["timeout_seconds"])
}

func TestExecDefaultAndClampedTimeout(t *testing.T) {
	var seen []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req["timeout_seconds"].(float64))
		_, _ = w.Write([]byte(`{"exit_code":0}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	h := &Handle{ID: "sb-1"}
	_, err := client.Exec(context.Background(), h, "true", "", 0)
	require.NoError(t, err)
	_, err = client.Exec(context.Background(), h, "true", "", 24*time.Hour)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, float64(300), seen[0])
	assert.Equal(t, float64(1800), seen[1])
}

func TestDestroyIdempotentOn404(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	h := &Handle{ID: "sb-1"}
	assert.NoError(t, client.Destroy(context.Background(), h))
	assert.NoError(t, client.Destroy(context.Background(), h))
	assert.NoError(t, client.Destroy(context.Background(), nil))
}

func TestTransientServerErrorIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"sb-2"}`))
	}))
	defer srv.Close()

	h, err := newTestClient(srv.URL).Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sb-2", h.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Create(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
