// Package knowledge implements the research sub-agent: web search, multi-
// source synthesis, and fact verification. Search transport failures are
// reported as unsuccessful results, never as aborts; synthesis failures
// degrade to raw snippets.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/kaptinlin/jsonrepair"

	"argo/internal/llm"
	"argo/internal/logging"
	"argo/pkg/types"
)

// Depth controls how many queries a research pass generates.
type Depth string

const (
	DepthQuick  Depth = "quick"
	DepthMedium Depth = "medium"
	DepthDeep   Depth = "deep"
)

func (d Depth) queries() int {
	switch d {
	case DepthDeep:
		return 4
	case DepthMedium:
		return 2
	default:
		return 1
	}
}

// Confidence grades research and verification outcomes.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// SearchHit is one search result row.
type SearchHit struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// SearchResult is the outcome of one search call.
type SearchResult struct {
	Success bool        `json:"success"`
	Hits    []SearchHit `json:"hits"`
	Err     string      `json:"error,omitempty"`
}

// ResearchResult is the outcome of a research pass.
type ResearchResult struct {
	Answer      string     `json:"answer"`
	Insights    []string   `json:"insights"`
	Confidence  Confidence `json:"confidence"`
	QueriesUsed []string   `json:"queries_used"`
	Success     bool       `json:"success"`
}

// Verdict classifies a verified claim.
type Verdict string

const (
	VerdictTrue      Verdict = "true"
	VerdictFalse     Verdict = "false"
	VerdictUncertain Verdict = "uncertain"
	VerdictNeedsMore Verdict = "needs_more_info"
)

// VerifyResult is the outcome of a fact check.
type VerifyResult struct {
	Verdict    Verdict    `json:"verdict"`
	Confidence Confidence `json:"confidence"`
	Evidence   []string   `json:"evidence"`
}

// Config configures the agent's search provider.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Agent is the knowledge sub-agent.
type Agent struct {
	cfg    Config
	llm    llm.Client
	http   *http.Client
	logger logging.Logger
}

// New builds the agent. The LLM client drives query generation, synthesis,
// and verdict classification.
func New(cfg Config, client llm.Client, logger logging.Logger) *Agent {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Agent{
		cfg:    cfg,
		llm:    client,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.OrNop(logger),
	}
}

// Search performs one external search call.
func (a *Agent) Search(ctx context.Context, query string, maxResults int) SearchResult {
	if maxResults <= 0 {
		maxResults = 5
	}
	if a.cfg.BaseURL == "" {
		return SearchResult{Err: "search provider not configured"}
	}
	endpoint := fmt.Sprintf("%s?q=%s&n=%d", strings.TrimRight(a.cfg.BaseURL, "/"),
		url.QueryEscape(query), maxResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SearchResult{Err: err.Error()}
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		a.logger.Warn("search transport failure: %v", err)
		return SearchResult{Err: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return SearchResult{Err: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return SearchResult{Err: fmt.Sprintf("search status %d", resp.StatusCode)}
	}

	hits := parseJSONHits(body)
	if hits == nil && strings.Contains(resp.Header.Get("Content-Type"), "html") {
		hits = parseHTMLHits(body)
	}
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return SearchResult{Success: true, Hits: hits}
}

func parseJSONHits(body []byte) []SearchHit {
	var parsed struct {
		Results []SearchHit `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	return parsed.Results
}

// parseHTMLHits extracts generic result rows from an HTML results page.
func parseHTMLHits(body []byte) []SearchHit {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	var hits []SearchHit
	doc.Find(".result").Each(func(_ int, sel *goquery.Selection) {
		link := sel.Find("a").First()
		href, _ := link.Attr("href")
		hits = append(hits, SearchHit{
			Title:   strings.TrimSpace(link.Text()),
			Snippet: strings.TrimSpace(sel.Find(".snippet").Text()),
			URL:     href,
		})
	})
	return hits
}

// Research generates queries per depth, gathers snippets, and synthesizes an
// answer with extracted insights.
func (a *Agent) Research(ctx context.Context, question string, depth Depth, maxSources int) ResearchResult {
	if maxSources <= 0 {
		maxSources = 5
	}
	queries := a.generateQueries(ctx, question, depth.queries())

	var sources []SearchHit
	for _, q := range queries {
		result := a.Search(ctx, q, maxSources)
		if !result.Success {
			a.logger.Warn("research query %q failed: %s", q, result.Err)
			continue
		}
		sources = append(sources, result.Hits...)
		if len(sources) >= maxSources {
			sources = sources[:maxSources]
			break
		}
	}
	if len(sources) == 0 {
		return ResearchResult{QueriesUsed: queries, Confidence: ConfidenceLow}
	}

	answer, insights := a.synthesize(ctx, question, sources)
	confidence := ConfidenceLow
	switch {
	case len(sources) >= 4 && len(insights) > 0:
		confidence = ConfidenceHigh
	case len(sources) >= 2:
		confidence = ConfidenceMedium
	}
	return ResearchResult{
		Answer:      answer,
		Insights:    insights,
		Confidence:  confidence,
		QueriesUsed: queries,
		Success:     true,
	}
}

// generateQueries asks the LLM for n search queries; on failure the question
// itself is the single query.
func (a *Agent) generateQueries(ctx context.Context, question string, n int) []string {
	if n <= 1 || a.llm == nil {
		return []string{question}
	}
	resp, err := a.llm.Complete(ctx, llm.Request{
		Messages: []types.Turn{
			{Role: types.RoleSystem, Content: "Generate diverse web search queries. Respond with a JSON array of strings only."},
			{Role: types.RoleUser, Content: fmt.Sprintf("Question: %s\nGenerate %d queries.", question, n)},
		},
		Temperature: 0.5,
		MaxTokens:   200,
	})
	if err != nil {
		a.logger.Warn("query generation failed: %v", err)
		return []string{question}
	}
	repaired, err := jsonrepair.JSONRepair(resp.Content)
	if err != nil {
		repaired = resp.Content
	}
	var queries []string
	if err := json.Unmarshal([]byte(repaired), &queries); err != nil || len(queries) == 0 {
		return []string{question}
	}
	if len(queries) > n {
		queries = queries[:n]
	}
	return queries
}

// synthesize runs one LLM call over the snippets; on failure it degrades to
// the concatenated raw snippets.
func (a *Agent) synthesize(ctx context.Context, question string, sources []SearchHit) (string, []string) {
	var corpus strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&corpus, "[%d] %s\n%s\n(%s)\n\n", i+1, s.Title, s.Snippet, s.URL)
	}
	if a.llm == nil {
		return corpus.String(), nil
	}
	resp, err := a.llm.Complete(ctx, llm.Request{
		Messages: []types.Turn{
			{Role: types.RoleSystem, Content: "Synthesize an answer from the sources. End with a section titled INSIGHTS containing bullet points starting with '- '."},
			{Role: types.RoleUser, Content: "Question: " + question + "\n\nSources:\n" + corpus.String()},
		},
		Temperature: 0.4,
		MaxTokens:   800,
	})
	if err != nil {
		a.logger.Warn("synthesis failed, returning raw snippets: %v", err)
		return corpus.String(), nil
	}
	return resp.Content, extractInsights(resp.Content)
}

func extractInsights(text string) []string {
	var insights []string
	inSection := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), "INSIGHTS") {
			inSection = true
			continue
		}
		if inSection && strings.HasPrefix(trimmed, "- ") {
			insights = append(insights, strings.TrimPrefix(trimmed, "- "))
		}
	}
	// Some models bullet the whole answer instead of a dedicated section.
	if len(insights) == 0 {
		for _, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "- ") {
				insights = append(insights, strings.TrimPrefix(trimmed, "- "))
			}
		}
	}
	return insights
}

// Verify searches for evidence about a claim and classifies the verdict.
func (a *Agent) Verify(ctx context.Context, claim, extraContext string) VerifyResult {
	search := a.Search(ctx, claim, 5)
	var evidence []string
	for _, h := range search.Hits {
		evidence = append(evidence, h.Title+": "+h.Snippet)
	}
	if a.llm == nil || len(evidence) == 0 {
		return VerifyResult{Verdict: VerdictNeedsMore, Confidence: ConfidenceLow, Evidence: evidence}
	}

	prompt := "Claim: " + claim + "\n"
	if extraContext != "" {
		prompt += "Context: " + extraContext + "\n"
	}
	prompt += "Evidence:\n- " + strings.Join(evidence, "\n- ") +
		"\n\nRespond with JSON: {\"verdict\": \"true|false|uncertain|needs_more_info\", \"confidence\": \"low|medium|high\"}"
	resp, err := a.llm.Complete(ctx, llm.Request{
		Messages: []types.Turn{
			{Role: types.RoleSystem, Content: "You are a careful fact checker. Respond with JSON only."},
			{Role: types.RoleUser, Content: prompt},
		},
		Temperature: 0.2,
		MaxTokens:   120,
	})
	if err != nil {
		return VerifyResult{Verdict: VerdictUncertain, Confidence: ConfidenceLow, Evidence: evidence}
	}
	repaired, err := jsonrepair.JSONRepair(resp.Content)
	if err != nil {
		repaired = resp.Content
	}
	var parsed struct {
		Verdict    Verdict    `json:"verdict"`
		Confidence Confidence `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil || parsed.Verdict == "" {
		return VerifyResult{Verdict: VerdictUncertain, Confidence: ConfidenceLow, Evidence: evidence}
	}
	return VerifyResult{Verdict: parsed.Verdict, Confidence: parsed.Confidence, Evidence: evidence}
}
