package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argo/internal/llm"
)

func TestSearchParsesJSONResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang testing", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("n"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"title":"Go testing","snippet":"the testing package","url":"https://go.dev"}]}`))
	}))
	defer srv.Close()

	agent := New(Config{BaseURL: srv.URL}, nil, nil)
	res := agent.Search(context.Background(), "golang testing", 3)
	require.True(t, res.Success)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "Go testing", res.Hits[0].Title)
	assert.Equal(t, "https://go.dev", res.Hits[0].URL)
}

func TestSearchFallsBackToHTMLScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
			<div class="result"><a href="https://a.example">First hit</a><p class="snippet">alpha</p></div>
			<div class="result"><a href="https://b.example">Second hit</a><p class="snippet">beta</p></div>
		</body></html>`))
	}))
	defer srv.Close()

	res := New(Config{BaseURL: srv.URL}, nil, nil).Search(context.Background(), "q", 5)
	require.True(t, res.Success)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "First hit", res.Hits[0].Title)
	assert.Equal(t, "alpha", res.Hits[0].Snippet)
	assert.Equal(t, "https://b.example", res.Hits[1].URL)
}

func TestSearchWithoutProviderDegrades(t *testing.T) {
	res := New(Config{}, nil, nil).Search(context.Background(), "q", 3)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Err)
}

func TestSearchNon200Degrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	res := New(Config{BaseURL: srv.URL}, nil, nil).Search(context.Background(), "q", 3)
	assert.False(t, res.Success)
}

func TestResearchSynthesizesWithInsights(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"one","snippet":"s1","url":"u1"},
			{"title":"two","snippet":"s2","url":"u2"},
			{"title":"three","snippet":"s3","url":"u3"},
			{"title":"four","snippet":"s4","url":"u4"}]}`))
	}))
	defer srv.Close()

	mock := llm.NewMock(
		llm.MockReply{Content: `["query one","query two"]`},
		llm.MockReply{Content: "Answer text.\n\nINSIGHTS\n- caching helps\n- pin versions"},
	)
	agent := New(Config{BaseURL: srv.URL}, mock, nil)

	res := agent.Research(context.Background(), "how to speed up builds", DepthMedium, 4)
	require.True(t, res.Success)
	assert.Contains(t, res.Answer, "Answer text.")
	assert.Equal(t, []string{"caching helps", "pin versions"}, res.Insights)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
	assert.Equal(t, []string{"query one", "query two"}, res.QueriesUsed)
}

func TestResearchNoSourcesFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := New(Config{BaseURL: srv.URL}, nil, nil).Research(context.Background(), "q", DepthQuick, 3)
	assert.False(t, res.Success)
	assert.Equal(t, ConfidenceLow, res.Confidence)
}

func TestExtractInsightsFallsBackToAllBullets(t *testing.T) {
	got := extractInsights("- first point\nsome prose\n- second point")
	assert.Equal(t, []string{"first point", "second point"}, got)
}

func TestVerifyClassifiesClaim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"title":"doc","snippet":"evidence text","url":"u"}]}`))
	}))
	defer srv.Close()

	mock := llm.NewMock(llm.MockReply{Content: `{"verdict":"true","confidence":"high"}`})
	res := New(Config{BaseURL: srv.URL}, mock, nil).Verify(context.Background(), "the sky is blue", "")
	assert.Equal(t, VerdictTrue, res.Verdict)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
	require.Len(t, res.Evidence, 1)
}

func TestVerifyWithoutEvidenceNeedsMore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	res := New(Config{BaseURL: srv.URL}, llm.NewMock(), nil).Verify(context.Background(), "claim", "")
	assert.Equal(t, VerdictNeedsMore, res.Verdict)
}
