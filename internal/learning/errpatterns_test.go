package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argo/internal/llm"
)

func TestCategorize(t *testing.T) {
	cases := map[string]ErrorCategory{
		"operation timed out after 30s":            ErrCatTimeout,
		"open /etc/shadow: permission denied":      ErrCatPermission,
		"main.py: no such file or directory":       ErrCatNotFound,
		"SyntaxError: unexpected token ')'":        ErrCatSyntax,
		"dial tcp: connection refused":             ErrCatNetwork,
		"command failed with exit code 2":          ErrCatExec,
		"invalid value for field count":            ErrCatValidation,
		"something else entirely went sideways":    ErrCatUnknown,
		"context deadline exceeded while fetching": ErrCatTimeout,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Categorize(msg), msg)
	}
}

func TestRecordClustersSimilarErrors(t *testing.T) {
	store := NewErrorPatterns(nil, nil)
	ctx := context.Background()

	msg := "ModuleNotFoundError: no such file or directory: requests"
	p1 := store.Record(ctx, "t1", "EXECUTE", msg)
	p2 := store.Record(ctx, "t1", "EXECUTE", msg)
	assert.Equal(t, p1.ID, p2.ID)
	assert.False(t, p2.Promoted())

	p3 := store.Record(ctx, "t2", "EXECUTE", msg)
	assert.True(t, p3.Promoted())
	require.Len(t, store.Patterns(), 1)
}

func TestRecordSeparatesCategories(t *testing.T) {
	store := NewErrorPatterns(nil, nil)
	ctx := context.Background()

	a := store.Record(ctx, "t1", "EXECUTE", "connection refused by host")
	b := store.Record(ctx, "t1", "EXECUTE", "permission denied writing file")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRecordSeparatesDissimilarMessages(t *testing.T) {
	store := NewErrorPatterns(nil, nil)
	ctx := context.Background()

	a := store.Record(ctx, "t1", "EXECUTE", "weird failure alpha beta gamma delta")
	b := store.Record(ctx, "t1", "EXECUTE", "completely different breakage one two three")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestPromotionTriggersSuggestion(t *testing.T) {
	mock := llm.NewMock(llm.MockReply{
		Content: `{"root_causes":["missing dependency"],"fixes":["pip install requests","add requirements.txt","pin the version"],"prevention":["install deps in setup"]}`,
	})
	store := NewErrorPatterns(mock, nil)
	ctx := context.Background()

	msg := "ImportError: no such file or directory: requests"
	store.Record(ctx, "t1", "EXECUTE", msg)
	store.Record(ctx, "t1", "EXECUTE", msg)
	p := store.Record(ctx, "t1", "EXECUTE", msg)

	require.True(t, p.Promoted())
	assert.Equal(t, 1, mock.CallCount())
	assert.Equal(t, []string{"missing dependency"}, p.RootCauses)
	assert.Len(t, p.Fixes, 3)

	// A fourth member reuses the cached suggestions instead of calling again.
	p4 := store.Record(ctx, "t1", "EXECUTE", msg)
	assert.Equal(t, 1, mock.CallCount())
	assert.Len(t, p4.Fixes, 3)
}

func TestRestoredPatternFixesSkipSuggestionCall(t *testing.T) {
	mock := llm.NewMock(llm.MockReply{Content: `{"fixes":["should never be asked"]}`})
	store := NewErrorPatterns(mock, nil)
	store.restore(nil, []Pattern{{
		ID:       "p1",
		Category: ErrCatExec,
		Exemplar: "command failed with exit code 2 while building",
		Members:  []string{"e1", "e2", "e3"},
		Fixes:    []string{"rerun with -v", "check the Makefile", "pin the toolchain"},
	}})

	p := store.Record(context.Background(), "t9", "EXECUTE", "command failed with exit code 2 while building")
	require.True(t, p.Promoted())
	assert.Zero(t, mock.CallCount())
	assert.Equal(t, []string{"rerun with -v", "check the Makefile", "pin the toolchain"}, p.Fixes)
}

func TestPatternsReturnsPromotedOnly(t *testing.T) {
	store := NewErrorPatterns(nil, nil)
	ctx := context.Background()
	store.Record(ctx, "t1", "EXECUTE", "lonely unpromoted failure message")
	assert.Empty(t, store.Patterns())
	assert.Len(t, store.Records(), 1)
}
