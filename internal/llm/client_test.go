package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argo/internal/logging"
	"argo/pkg/types"
)

func completionBody(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + mustJSON(content) + `}}],` +
		`"usage":{"prompt_tokens":100,"completion_tokens":20,"total_tokens":120}}`
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func newClient(t *testing.T, url string) Client {
	t.Helper()
	c, err := New(Config{BaseURL: url, APIKey: "key", Model: "test-model"}, nil)
	require.NoError(t, err)
	return c
}

func TestCompleteSendsWireFields(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(completionBody("hello")))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	resp, err := client.Complete(context.Background(), Request{
		Messages:    []types.Turn{{Role: types.RoleSystem, Content: "sys"}, {Role: types.RoleUser, Content: "hi"}},
		Temperature: 0.2,
		MaxTokens:   512,
		LogitBias:   map[string]int{"1234": -100},
		CacheKey:    "task-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 100, resp.Usage.PromptTokens)

	assert.Equal(t, "test-model", captured["model"])
	assert.Equal(t, false, captured["stream"])
	assert.Equal(t, "task-1", captured["user_cache_key"])
	bias, ok := captured["logit_bias"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-100), bias["1234"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestCompleteOmitsOptionalFieldsWhenUnset(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(completionBody("ok")))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Complete(context.Background(), Request{
		Messages: []types.Turn{{Role: types.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	_, hasBias := captured["logit_bias"]
	assert.False(t, hasBias)
	_, hasCache := captured["user_cache_key"]
	assert.False(t, hasCache)
	_, hasMax := captured["max_tokens"]
	assert.False(t, hasMax)
}

func TestCompleteClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{429, `{"error":"slow down"}`, ErrRateLimited},
		{500, `oops`, ErrTransient},
		{400, `{"error":{"code":"context_length_exceeded"}}`, ErrContextOverflow},
		{400, `{"error":"bad request"}`, ErrProvider},
		{401, `unauthorized`, ErrProvider},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := newClient(t, srv.URL).Complete(context.Background(), Request{
			Messages: []types.Turn{{Role: types.RoleUser, Content: "x"}},
		})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()
	_, err := newClient(t, srv.URL).Complete(context.Background(), Request{
		Messages: []types.Turn{{Role: types.RoleUser, Content: "x"}},
	})
	assert.ErrorIs(t, err, ErrProvider)
}

// fastRetry keeps backoff delays out of the test runtime.
func fastRetry(inner Client, maxRetries int) Client {
	return &retryClient{inner: inner, maxRetries: maxRetries, baseDelay: time.Millisecond, logger: logging.Nop()}
}

func TestRetryOnRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(completionBody("eventually")))
	}))
	defer srv.Close()

	client := fastRetry(newClient(t, srv.URL), 3)
	resp, err := client.Complete(context.Background(), Request{
		Messages: []types.Turn{{Role: types.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "eventually", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := fastRetry(newClient(t, srv.URL), 1)
	_, err := client.Complete(context.Background(), Request{
		Messages: []types.Turn{{Role: types.RoleUser, Content: "x"}},
	})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRetrySingleTransientRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(completionBody("ok")))
	}))
	defer srv.Close()

	client := fastRetry(newClient(t, srv.URL), 3)
	resp, err := client.Complete(context.Background(), Request{
		Messages: []types.Turn{{Role: types.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRetryDoesNotRetryOverflow(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`maximum context length exceeded`))
	}))
	defer srv.Close()

	client := fastRetry(newClient(t, srv.URL), 3)
	_, err := client.Complete(context.Background(), Request{
		Messages: []types.Turn{{Role: types.RoleUser, Content: "x"}},
	})
	assert.ErrorIs(t, err, ErrContextOverflow)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
