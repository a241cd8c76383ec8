package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cognitron/internal/types"
)

func TestExtractCodeBlocks_MultipleFences(t *testing.T) {
	response := "Here is the fix:\n```python\ndef f():\n    return 1\n```\nand the config:\n```yaml\nkey: value\n```\ndone."
	lean, artifacts := ExtractCodeBlocks(response)

	require.Len(t, artifacts, 2)
	assert.Equal(t, "python", artifacts[0].Language)
	assert.Contains(t, artifacts[0].Content, "def f()")
	assert.Equal(t, "yaml", artifacts[1].Language)
	assert.NotEmpty(t, artifacts[0].Hash)

	assert.Equal(t, 2, strings.Count(lean, codePlaceholder))
	assert.NotContains(t, lean, "def f()")
	assert.Contains(t, lean, "Here is the fix:")
}

func TestExtractCodeBlocks_NoFence(t *testing.T) {
	lean, artifacts := ExtractCodeBlocks("plain prose, no code")
	assert.Empty(t, artifacts)
	assert.Equal(t, "plain prose, no code", lean)
}

func TestExtractCodeBlocks_EmptyFenceKept(t *testing.T) {
	in := "```\n\n```"
	lean, artifacts := ExtractCodeBlocks(in)
	assert.Empty(t, artifacts)
	assert.Equal(t, in, lean)
}

func TestExtractCodeBlocks_MissingLanguageDefaultsToText(t *testing.T) {
	_, artifacts := ExtractCodeBlocks("```\nsome snippet\n```")
	require.Len(t, artifacts, 1)
	assert.Equal(t, "text", artifacts[0].Language)
}

func TestPurgeNonDurable(t *testing.T) {
	in := []types.Memory{
		{ContentText: "full file body", KindText: "technical_file"},
		{ContentText: "raw body", KindText: "raw_file"},
		{ContentText: "pinned body", KindText: "active_file"},
		{ContentText: "keep this summary", KindText: "consolidated_summary"},
	}
	out := purgeNonDurable(in)
	assert.Equal(t, purgedContentMarker, out[0].ContentText)
	assert.Equal(t, purgedContentMarker, out[1].ContentText)
	assert.Equal(t, purgedContentMarker, out[2].ContentText)
	assert.Equal(t, "keep this summary", out[3].ContentText)
	// The input slice is untouched: atoms are copied, not mutated.
	assert.Equal(t, "full file body", in[0].ContentText)
}
