package tools

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argo/internal/token"
	"argo/pkg/types"
)

func TestCatalogPhaseMatrix(t *testing.T) {
	r := NewRegistry(0)
	cases := []struct {
		tool    string
		phase   types.Phase
		allowed bool
	}{
		{ToolCreateFile, types.PhaseExecuting, true},
		{ToolCreateFile, types.PhaseVerifying, false},
		{ToolCreateFile, types.PhasePlanning, false},
		{ToolReadFile, types.PhasePlanning, true},
		{ToolReadFile, types.PhaseLearning, true},
		{ToolExecute, types.PhaseVerifying, true},
		{ToolExecute, types.PhasePlanning, false},
		{ToolVerify, types.PhaseVerifying, true},
		{ToolVerify, types.PhaseExecuting, false},
		{ToolUpdateTodo, types.PhasePlanning, true},
		{ToolUpdateTodo, types.PhaseVerifying, false},
		{ToolBrowser, types.PhaseBrowsing, true},
		{ToolBrowser, types.PhaseVerifying, false},
		{ToolSearchWeb, types.PhaseLearning, true},
		{ToolSearchWeb, types.PhaseVerifying, false},
		{ToolDelegate, types.PhaseExecuting, true},
		{ToolDelegate, types.PhasePlanning, false},
		{ToolTaskCompleted, types.PhaseLearning, true},
		{ToolTaskCompleted, types.PhaseVerifying, false},
	}
	for _, tc := range cases {
		spec, ok := r.Lookup(tc.tool)
		require.True(t, ok, tc.tool)
		assert.Equal(t, tc.allowed, spec.allowedIn(tc.phase), "%s in %s", tc.tool, tc.phase)
	}
}

func TestSystemPromptSectionStable(t *testing.T) {
	r := NewRegistry(-100)
	first := r.SystemPromptSection()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.SystemPromptSection())
	}
	for _, name := range r.Names() {
		assert.Contains(t, first, name)
	}
}

func TestBiasSuppressesForbiddenTools(t *testing.T) {
	r := NewRegistry(-100)
	bias := r.BiasFor(types.PhaseVerifying)
	require.NotEmpty(t, bias)

	// CREATE_FILE is not valid in VERIFYING: at least one of its tokens must
	// be suppressed.
	suppressed := false
	for _, id := range token.Encode(ToolCreateFile) {
		if v, ok := bias[strconv.Itoa(id)]; ok {
			assert.Equal(t, -100, v)
			suppressed = true
		}
	}
	assert.True(t, suppressed)

	// VERIFY is valid in VERIFYING: none of its tokens may be suppressed.
	for _, id := range token.Encode(ToolVerify) {
		_, ok := bias[strconv.Itoa(id)]
		assert.False(t, ok, "token %d of VERIFY is suppressed", id)
	}
}

func TestBiasSharedTokensStayEmittable(t *testing.T) {
	r := NewRegistry(-100)
	for _, phase := range []types.Phase{types.PhasePlanning, types.PhaseExecuting, types.PhaseVerifying, types.PhaseLearning} {
		bias := r.BiasFor(phase)
		for _, spec := range r.specs {
			if !spec.allowedIn(phase) {
				continue
			}
			for _, id := range token.Encode(spec.Name) {
				_, ok := bias[strconv.Itoa(id)]
				assert.False(t, ok, "phase %s suppresses token of allowed tool %s", phase, spec.Name)
			}
		}
	}
}

func TestBiasStrengthFloor(t *testing.T) {
	r := NewRegistry(-500)
	bias := r.BiasFor(types.PhaseVerifying)
	for _, v := range bias {
		assert.Equal(t, -100, v)
	}

	r = NewRegistry(-40)
	bias = r.BiasFor(types.PhaseVerifying)
	found := false
	for _, v := range bias {
		assert.Equal(t, -40, v)
		found = true
	}
	assert.True(t, found)
}

func TestValidate(t *testing.T) {
	r := NewRegistry(0)

	err := r.Validate(types.Action{Tool: "DELETE_EVERYTHING"}, types.PhaseExecuting)
	assert.ErrorIs(t, err, ErrInvalidTool)
	assert.Equal(t, "invalid_tool", Reason(err))

	err = r.Validate(types.Action{Tool: ToolCreateFile, Params: map[string]string{"PATH": "a", "CONTENT": "b"}}, types.PhaseVerifying)
	assert.ErrorIs(t, err, ErrNotAllowedInPhase)
	assert.Equal(t, "not_allowed_in_phase", Reason(err))

	err = r.Validate(types.Action{Tool: ToolCreateFile, Params: map[string]string{"PATH": "a"}}, types.PhaseExecuting)
	assert.ErrorIs(t, err, ErrMissingParam)

	err = r.Validate(types.Action{Tool: ToolExecute, Params: map[string]string{"COMMAND": "ls", "BOGUS": "x"}}, types.PhaseExecuting)
	assert.ErrorIs(t, err, ErrUnknownParam)
	assert.Contains(t, err.Error(), "BOGUS")

	err = r.Validate(types.Action{Tool: ToolExecute, Params: map[string]string{"COMMAND": "ls", "TIMEOUT": "60"}}, types.PhaseExecuting)
	assert.NoError(t, err)
}

func TestValidateBlankRequiredParam(t *testing.T) {
	r := NewRegistry(0)
	err := r.Validate(types.Action{Tool: ToolExecute, Params: map[string]string{"COMMAND": "   "}}, types.PhaseExecuting)
	assert.ErrorIs(t, err, ErrMissingParam)
}
