package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleBlock(t *testing.T) {
	res := Parse("I'll create the file now.\n\nACTION: CREATE_FILE\nPATH: main.py\nCONTENT: print(\"hi\")\n---END---\n")
	require.Len(t, res.Actions, 1)
	assert.Empty(t, res.Rejects)
	assert.Nil(t, res.Terminal)

	action := res.Actions[0]
	assert.Equal(t, "CREATE_FILE", action.Tool)
	assert.Equal(t, "main.py", action.Param("PATH"))
	assert.Equal(t, `print("hi")`, action.Param("CONTENT"))
	assert.Equal(t, 0, action.Index)
}

func TestParseMultilineValue(t *testing.T) {
	text := "ACTION: CREATE_FILE\nPATH: app.py\nCONTENT: line one\nline two\n\nline four\n---END---"
	res := Parse(text)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "line one\nline two\n\nline four", res.Actions[0].Param("CONTENT"))
}

func TestParseMultipleBlocksKeepOrder(t *testing.T) {
	text := "ACTION: READ_FILE\nPATH: a.txt\n---END---\ntext between blocks\nACTION: EXECUTE\nCOMMAND: ls\n---END---"
	res := Parse(text)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, "READ_FILE", res.Actions[0].Tool)
	assert.Equal(t, 0, res.Actions[0].Index)
	assert.Equal(t, "EXECUTE", res.Actions[1].Tool)
	assert.Equal(t, 1, res.Actions[1].Index)
}

func TestParseUnterminatedBlockResumesAtNextAction(t *testing.T) {
	text := "ACTION: CREATE_FILE\nPATH: broken.txt\nACTION: EXECUTE\nCOMMAND: echo ok\n---END---"
	res := Parse(text)
	require.Len(t, res.Rejects, 1)
	assert.Equal(t, "parse_error", res.Rejects[0].Reason)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "EXECUTE", res.Actions[0].Tool)
}

func TestParseUnterminatedFinalBlock(t *testing.T) {
	res := Parse("ACTION: EXECUTE\nCOMMAND: ls")
	assert.Empty(t, res.Actions)
	require.Len(t, res.Rejects, 1)
	assert.Contains(t, res.Rejects[0].Detail, "---END---")
}

func TestParseContentBeforeFirstKey(t *testing.T) {
	res := Parse("ACTION: EXECUTE\nsome stray prose\nCOMMAND: ls\n---END---")
	assert.Empty(t, res.Actions)
	require.Len(t, res.Rejects, 1)
	assert.Equal(t, "parse_error", res.Rejects[0].Reason)
}

func TestTerminalAsActionBlock(t *testing.T) {
	res := Parse("ACTION: TASK_COMPLETED\nMESSAGE: all tests pass\n---END---")
	require.NotNil(t, res.Terminal)
	assert.Equal(t, "all tests pass", res.Terminal.Message)
	assert.Empty(t, res.Actions)
}

func TestTerminalInProse(t *testing.T) {
	res := Parse("Everything works.\nTASK_COMPLETED: done, 4 files created\n")
	require.NotNil(t, res.Terminal)
	assert.Equal(t, "done, 4 files created", res.Terminal.Message)

	res = Parse("TASK_COMPLETED")
	require.NotNil(t, res.Terminal)
	assert.Empty(t, res.Terminal.Message)
}

func TestBareTokenInsideSentenceIsNotTerminal(t *testing.T) {
	res := Parse("Next I will emit TASK_COMPLETED once verification passes.")
	assert.Nil(t, res.Terminal)
}

func TestTrailingNewlinesTrimmedFromValues(t *testing.T) {
	res := Parse("ACTION: CREATE_FILE\nPATH: x\nCONTENT: body\n\n\n---END---")
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "body", res.Actions[0].Param("CONTENT"))
}

func TestRenderRoundTrip(t *testing.T) {
	original := Parse("ACTION: EXECUTE\nCOMMAND: python -m pytest\nWORKDIR: /workspace/app\n---END---").Actions[0]
	again := Parse(Render(original))
	require.Len(t, again.Actions, 1)
	assert.Equal(t, original.Tool, again.Actions[0].Tool)
	assert.Equal(t, original.Params, again.Actions[0].Params)
}
