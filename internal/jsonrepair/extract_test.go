package jsonrepair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_PlainObject(t *testing.T) {
	obj, ok := Extract(`{"reason": "fine", "score": 0.8}`)
	require.True(t, ok)
	assert.Equal(t, "fine", obj["reason"])
	assert.Equal(t, 0.8, obj["score"])
}

func TestExtract_EmbeddedInProse(t *testing.T) {
	text := "Sure, here is the verdict:\n```json\n{\"score\": 1}\n```\nHope that helps."
	obj, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, float64(1), obj["score"])
}

func TestExtract_BracesInsideStrings(t *testing.T) {
	obj, ok := Extract(`{"content": "if x { return } else { panic }", "n": 2}`)
	require.True(t, ok)
	assert.Equal(t, "if x { return } else { panic }", obj["content"])
}

func TestExtract_EscapedQuoteInString(t *testing.T) {
	obj, ok := Extract(`{"content": "she said \"no\" twice}", "k": 1}`)
	require.True(t, ok)
	assert.Equal(t, `she said "no" twice}`, obj["content"])
}

func TestExtract_NestedObject(t *testing.T) {
	obj, ok := Extract(`{"next_action": {"function": "final_answer", "arguments": {"content": "done"}}}`)
	require.True(t, ok)
	inner, ok := obj["next_action"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "final_answer", inner["function"])
}

func TestExtract_StrayBackslashRepair(t *testing.T) {
	// A Windows path with single backslashes is not valid JSON; the
	// first repair pass doubles them.
	obj, ok := Extract(`{"path": "C:\memoire\glossaire"}`)
	require.True(t, ok)
	assert.Equal(t, `C:\memoire\glossaire`, obj["path"])
}

func TestExtract_LiteralNewlineRepair(t *testing.T) {
	obj, ok := Extract("{\"text\": \"line one\nline two\"}")
	require.True(t, ok)
	assert.Equal(t, "line one line two", obj["text"])
}

func TestExtract_NoObject(t *testing.T) {
	obj, ok := Extract("there is no JSON here")
	assert.False(t, ok)
	assert.Empty(t, obj)
}

func TestExtract_UnclosedObject(t *testing.T) {
	_, ok := Extract(`{"a": 1`)
	assert.False(t, ok)
}

func TestEscapeStrayBackslashes_Idempotent(t *testing.T) {
	in := `{"path": "C:\memoire\n\rules"}`
	once := escapeStrayBackslashes(in)
	twice := escapeStrayBackslashes(once)
	assert.Equal(t, once, twice)
}

func TestExtract_ValidEscapesPreserved(t *testing.T) {
	obj, ok := Extract(`{"text": "tab\there\nnewline"}`)
	require.True(t, ok)
	assert.Equal(t, "tab\there\nnewline", obj["text"])
}
