package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argo/internal/learning"
	"argo/pkg/types"
)

func TestCompressKeepsHeadAndRecentTurns(t *testing.T) {
	conv := []types.Turn{{Role: types.RoleUser, Content: "Task: build it"}}
	for i := 0; i < 20; i++ {
		conv = append(conv,
			types.Turn{Role: types.RoleAssistant, Content: fmt.Sprintf("ACTION: EXECUTE\nCOMMAND: step-%d\n---END---", i)},
			types.Turn{Role: types.RoleUser, Content: fmt.Sprintf("result %d", i)},
		)
	}

	out := compressConversation(conv)
	require.Len(t, out, 1+1+keepRawTurns)
	assert.Equal(t, conv[0], out[0])
	assert.Equal(t, conv[len(conv)-keepRawTurns:], out[2:])

	summary := out[1]
	assert.Equal(t, types.RoleUser, summary.Role)
	assert.Contains(t, summary.Content, "ACTION: EXECUTE")
	assert.Contains(t, summary.Content, "turns elided")
	// Only elided turns are summarized; the surviving tail is not.
	assert.Equal(t, len(conv)-1-keepRawTurns, strings.Count(summary.Content, "ACTION:"))
}

func TestCompressLeavesShortConversationsAlone(t *testing.T) {
	conv := []types.Turn{{Role: types.RoleUser, Content: "Task: x"}}
	for i := 0; i < keepRawTurns; i++ {
		conv = append(conv, types.Turn{Role: types.RoleAssistant, Content: "reply"})
	}
	assert.Equal(t, conv, compressConversation(conv))
}

func TestSystemPromptFoldsInPriorExperience(t *testing.T) {
	section := "## Tools\n- EXECUTE\n"
	got := systemPrompt(section,
		[]learning.Learning{{Kind: learning.LearnTaskStrategy, Confidence: learning.ConfidenceMedium, Description: "verify before completing"}},
		[]learning.Item{{State: learning.StateValidated, Title: "pytest quirks", Content: "use -x for fast failure"}},
	)
	assert.True(t, strings.HasPrefix(got, corePrompt))
	assert.Contains(t, got, section)
	assert.Contains(t, got, "verify before completing")
	assert.Contains(t, got, "pytest quirks")

	// Same inputs render the same bytes.
	assert.Equal(t, got, systemPrompt(section,
		[]learning.Learning{{Kind: learning.LearnTaskStrategy, Confidence: learning.ConfidenceMedium, Description: "verify before completing"}},
		[]learning.Item{{State: learning.StateValidated, Title: "pytest quirks", Content: "use -x for fast failure"}},
	))
}

func TestSystemPromptWithoutExperienceOmitsSection(t *testing.T) {
	got := systemPrompt("## Tools\n", nil, nil)
	assert.NotContains(t, got, "Prior experience")
}
