// Package token centralizes token counting and encoding backed by
// tiktoken-go. The cl100k_base encoding is initialized once; if it cannot be
// loaded (offline BPE fetch), counting falls back to a character heuristic and
// encoding falls back to a stable per-word hash so logit-bias keys remain
// deterministic.
package token

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func initEncoding() {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// Count returns the token count for text, falling back to EstimateFast when
// the encoding is unavailable.
func Count(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// Encode returns the token ids for text. The fallback hashes whitespace-split
// words into the cl100k id range so ids stay stable across calls.
func Encode(text string) []int {
	initEncoding()
	if encoding != nil {
		return encoding.Encode(text, nil, nil)
	}
	fields := strings.Fields(text)
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		h := fnv.New32a()
		_, _ = h.Write([]byte(f))
		ids = append(ids, int(h.Sum32()%100000))
	}
	return ids
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word_count).
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
