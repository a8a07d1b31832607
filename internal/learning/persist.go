package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"argo/internal/logging"
)

// SchemaVersion is the major version of the persisted documents. Loaders
// refuse unknown major versions.
const SchemaVersion = 1

// ErrSchemaVersion marks documents written by an incompatible major version.
var ErrSchemaVersion = errors.New("learning: unsupported schema version")

type interactionsDoc struct {
	V            int           `json:"v"`
	Interactions []Interaction `json:"interactions"`
	Learnings    []Learning    `json:"learnings"`
}

type hubDoc struct {
	V     int    `json:"v"`
	Items []Item `json:"items"`
}

type strategyDoc struct {
	V        int       `json:"v"`
	Outcomes []Outcome `json:"outcomes"`
}

type errorsDoc struct {
	V        int           `json:"v"`
	Records  []ErrorRecord `json:"records"`
	Patterns []Pattern     `json:"patterns"`
}

type performanceDoc struct {
	V            int           `json:"v"`
	Observations []Observation `json:"observations"`
}

// Stores bundles the five learning stores and their persistence root.
type Stores struct {
	Interactions *InteractionLog
	Hub          *Hub
	Performance  *Performance
	Strategy     *Strategy
	Errors       *ErrorPatterns

	dir    string
	logger logging.Logger
}

// NewStores wires the five stores. dir may be empty to disable persistence.
func NewStores(dir string, errorLLM *ErrorPatterns, hub *Hub, logger logging.Logger) *Stores {
	logger = logging.OrNop(logger)
	if hub == nil {
		hub = NewHub(nil, logger)
	}
	if errorLLM == nil {
		errorLLM = NewErrorPatterns(nil, logger)
	}
	return &Stores{
		Interactions: NewInteractionLog(),
		Hub:          hub,
		Performance:  NewPerformance(),
		Strategy:     NewStrategy(),
		Errors:       errorLLM,
		dir:          dir,
		logger:       logger,
	}
}

// Export writes one JSON document per store. Called on task finalization and
// on explicit export; failures are logged, never fatal.
func (s *Stores) Export() error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create learning dir: %w", err)
	}
	docs := map[string]any{
		"interactions.json": interactionsDoc{
			V:            SchemaVersion,
			Interactions: s.Interactions.Interactions(),
			Learnings:    s.Interactions.Learnings(),
		},
		"knowledge.json": hubDoc{V: SchemaVersion, Items: s.Hub.Items()},
		"strategy.json":  strategyDoc{V: SchemaVersion, Outcomes: s.Strategy.Outcomes()},
		"errors.json": errorsDoc{
			V:        SchemaVersion,
			Records:  s.Errors.Records(),
			Patterns: s.Errors.Patterns(),
		},
		"performance.json": performanceDoc{
			V:            SchemaVersion,
			Observations: s.Performance.Observations(),
		},
	}
	var firstErr error
	for name, doc := range docs {
		if err := writeDoc(filepath.Join(s.dir, name), doc); err != nil {
			s.logger.Warn("export %s failed: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Load restores persisted state. Missing documents are fine; version
// mismatches are not.
func (s *Stores) Load() error {
	if s.dir == "" {
		return nil
	}
	var in interactionsDoc
	if ok, err := readDoc(filepath.Join(s.dir, "interactions.json"), &in, func() int { return in.V }); err != nil {
		return err
	} else if ok {
		for _, rec := range in.Interactions {
			s.Interactions.interactions = append(s.Interactions.interactions, rec)
		}
		s.Interactions.learnings = append(s.Interactions.learnings, in.Learnings...)
	}

	var hd hubDoc
	if ok, err := readDoc(filepath.Join(s.dir, "knowledge.json"), &hd, func() int { return hd.V }); err != nil {
		return err
	} else if ok {
		s.Hub.restore(hd.Items)
	}

	var sd strategyDoc
	if ok, err := readDoc(filepath.Join(s.dir, "strategy.json"), &sd, func() int { return sd.V }); err != nil {
		return err
	} else if ok {
		s.Strategy.restore(sd.Outcomes)
	}

	var ed errorsDoc
	if ok, err := readDoc(filepath.Join(s.dir, "errors.json"), &ed, func() int { return ed.V }); err != nil {
		return err
	} else if ok {
		s.Errors.restore(ed.Records, ed.Patterns)
	}

	var pd performanceDoc
	if ok, err := readDoc(filepath.Join(s.dir, "performance.json"), &pd, func() int { return pd.V }); err != nil {
		return err
	} else if ok {
		s.Performance.restore(pd.Observations)
	}
	return nil
}

func writeDoc(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readDoc(path string, target any, version func() int) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if v := version(); v != SchemaVersion {
		return false, fmt.Errorf("%w: %s has v%d, want v%d", ErrSchemaVersion, filepath.Base(path), v, SchemaVersion)
	}
	return true, nil
}
