package learning

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"github.com/sergi/go-diff/diffmatchpatch"

	"argo/internal/logging"
)

// Priority orders hub items in query results.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// ItemState is the lifecycle state of a knowledge item.
type ItemState string

const (
	StateExperimental ItemState = "experimental"
	StateValidated    ItemState = "validated"
	StateDeprecated   ItemState = "deprecated"
	StateArchived     ItemState = "archived"
)

// state transition thresholds.
const (
	validateMinUsage   = 5
	validateMinRate    = 0.8
	deprecateMaxRate   = 0.4
	deprecateMinUsage  = 3
	defaultQueryLimit  = 10
	semanticMinSim     = 0.3
	semanticQueryLimit = 20
)

// Version is a prior content snapshot of a knowledge item.
type Version struct {
	Content    string    `json:"content"`
	ChangeNote string    `json:"change_note"`
	SavedAt    time.Time `json:"saved_at"`
}

// Item is one persisted knowledge-base entry.
type Item struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Tags         []string  `json:"tags"`
	Priority     Priority  `json:"priority"`
	State        ItemState `json:"state"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	Votes        int       `json:"votes"`
	Applications int       `json:"applications"`
	Versions     []Version `json:"versions"`
	SharedAt     time.Time `json:"shared_at"`
}

func (it *Item) usage() int { return it.SuccessCount + it.FailureCount }

func (it *Item) successRate() float64 {
	if it.usage() == 0 {
		return 0
	}
	return float64(it.SuccessCount) / float64(it.usage())
}

// Embedder turns text into a vector for the optional semantic index.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Hub is the in-process knowledge exchange: share, query, vote, and the
// knowledge-item state machine.
type Hub struct {
	mu     sync.RWMutex
	items  map[string]*Item
	order  []string
	subs   []chan Item
	logger logging.Logger

	// semantic index, active only when an embedder is configured.
	collection *chromem.Collection
}

// NewHub builds a hub. embedder may be nil; queries then rank by priority,
// tag overlap, and recency only.
func NewHub(embedder Embedder, logger logging.Logger) *Hub {
	h := &Hub{
		items:  make(map[string]*Item),
		logger: logging.OrNop(logger),
	}
	if embedder != nil {
		db := chromem.NewDB()
		col, err := db.GetOrCreateCollection("knowledge", nil, chromem.EmbeddingFunc(embedder))
		if err != nil {
			h.logger.Warn("semantic index unavailable: %v", err)
		} else {
			h.collection = col
		}
	}
	return h
}

// Share appends a new item and broadcasts it to subscribers.
func (h *Hub) Share(ctx context.Context, category, title, content string, priority Priority, tags []string) Item {
	item := &Item{
		ID:       uuid.NewString(),
		Category: category,
		Title:    title,
		Content:  content,
		Tags:     tags,
		Priority: priority,
		State:    StateExperimental,
		SharedAt: time.Now(),
	}
	h.mu.Lock()
	h.items[item.ID] = item
	h.order = append(h.order, item.ID)
	subs := append([]chan Item(nil), h.subs...)
	copied := *item
	h.mu.Unlock()

	if h.collection != nil {
		err := h.collection.AddDocument(ctx, chromem.Document{
			ID:      item.ID,
			Content: title + "\n" + content,
		})
		if err != nil {
			h.logger.Warn("semantic index add failed: %v", err)
		}
	}
	for _, sub := range subs {
		select {
		case sub <- copied:
		default:
		}
	}
	return copied
}

// Subscribe returns a channel receiving every future shared item.
func (h *Hub) Subscribe() <-chan Item {
	ch := make(chan Item, 16)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

// Query returns items ranked by priority desc, then tag overlap with the
// query text, then recency. When the semantic index is active its similarity
// folds into the tag-overlap rank.
func (h *Hub) Query(ctx context.Context, text string, max int) []Item {
	if max <= 0 {
		max = defaultQueryLimit
	}
	queryTags := extractTags(text, 12)

	semantic := map[string]float64{}
	if h.collection != nil && h.collection.Count() > 0 {
		n := h.collection.Count()
		if n > semanticQueryLimit {
			n = semanticQueryLimit
		}
		results, err := h.collection.Query(ctx, text, n, nil, nil)
		if err == nil {
			for _, r := range results {
				if float64(r.Similarity) >= semanticMinSim {
					semantic[r.ID] = float64(r.Similarity)
				}
			}
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	type scored struct {
		item    Item
		overlap float64
	}
	var candidates []scored
	for _, id := range h.order {
		item := h.items[id]
		if item.State == StateArchived {
			continue
		}
		overlap := tagOverlap(queryTags, item.Tags)
		if sim, ok := semantic[id]; ok && sim > overlap {
			overlap = sim
		}
		if overlap == 0 && len(queryTags) > 0 {
			continue
		}
		candidates = append(candidates, scored{item: *item, overlap: overlap})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.item.Priority != b.item.Priority {
			return a.item.Priority > b.item.Priority
		}
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		return a.item.SharedAt.After(b.item.SharedAt)
	})
	out := make([]Item, 0, max)
	for _, c := range candidates {
		out = append(out, c.item)
		if len(out) == max {
			break
		}
	}
	return out
}

// Vote adjusts an item's engagement score.
func (h *Hub) Vote(id string, up bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[id]
	if !ok {
		return false
	}
	if up {
		item.Votes++
	} else {
		item.Votes--
	}
	return true
}

// RecordUsage records one application of an item and applies the state
// machine: experimental items validate at usage >= 5 with success rate >=
// 0.8; any non-archived item deprecates when success rate < 0.4 after >= 3
// usages. Validated items never return to experimental.
func (h *Hub) RecordUsage(id string, success bool) (ItemState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[id]
	if !ok {
		return "", false
	}
	item.Applications++
	if success {
		item.SuccessCount++
	} else {
		item.FailureCount++
	}
	switch item.State {
	case StateExperimental:
		if item.usage() >= validateMinUsage && item.successRate() >= validateMinRate {
			item.State = StateValidated
		} else if item.usage() >= deprecateMinUsage && item.successRate() < deprecateMaxRate {
			item.State = StateDeprecated
		}
	case StateValidated:
		if item.usage() >= deprecateMinUsage && item.successRate() < deprecateMaxRate {
			item.State = StateDeprecated
		}
	}
	return item.State, true
}

// Archive moves a deprecated item to archived. Operator-initiated only.
func (h *Hub) Archive(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[id]
	if !ok || item.State != StateDeprecated {
		return false
	}
	item.State = StateArchived
	return true
}

// Revise replaces an item's content, recording the prior snapshot with a
// diff-derived change note.
func (h *Hub) Revise(id, content string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[id]
	if !ok {
		return false
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(item.Content, content, false)
	note := clip(dmp.DiffPrettyText(diffs), 500)
	item.Versions = append(item.Versions, Version{
		Content:    item.Content,
		ChangeNote: note,
		SavedAt:    time.Now(),
	})
	item.Content = content
	return true
}

// Get returns an item snapshot.
func (h *Hub) Get(id string) (Item, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	item, ok := h.items[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Items returns all items in share order.
func (h *Hub) Items() []Item {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Item, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, *h.items[id])
	}
	return out
}

// restore reloads persisted items (persist.go).
func (h *Hub) restore(items []Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range items {
		item := items[i]
		if _, dup := h.items[item.ID]; dup {
			continue
		}
		h.items[item.ID] = &item
		h.order = append(h.order, item.ID)
	}
}
