package promptbuilder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cognitron/internal/types"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	dir := t.TempDir()
	toolPath := filepath.Join(dir, "tool_instructions.md")
	require.NoError(t, os.WriteFile(toolPath, []byte("## Tools\nUse final_answer to terminate."), 0o644))
	profilePath := filepath.Join(dir, "user_profile.md")
	require.NoError(t, os.WriteFile(profilePath, []byte("The user prefers concise answers."), 0o644))

	b, err := New(Assets{
		UserProfilePath:      profilePath,
		SystemSummaryPath:    filepath.Join(dir, "system_summary.md"), // intentionally absent
		ToolInstructionsPath: toolPath,
	})
	require.NoError(t, err)
	return b
}

func minimalContext() types.ContextResult {
	return types.ContextResult{
		MemoryContext: []types.Memory{{ContentText: "past exchange about indexing", TitleText: "m1", KindText: "raw_history", ScoreValue: 0.7}},
		ActiveRules:   []types.Rule{types.NewRule("Never invent facts", "R_truth", "tagged_rule")},
		Readmes:       []types.ReadmeFile{{ContentText: "vector store docs", TitleText: "README_vector.md", KindText: "readme", Path: "/kb/README_vector.md"}},
	}
}

func TestNew_MissingToolInstructionsIsFatal(t *testing.T) {
	_, err := New(Assets{ToolInstructionsPath: filepath.Join(t.TempDir(), "missing.md")})
	assert.Error(t, err)
}

func TestBuild_Standard_ChatMLShape(t *testing.T) {
	b := testBuilder(t)
	out := b.Build(types.StandardRequest{Prompt: "how is memory indexed?", Context: minimalContext()})

	assert.True(t, strings.HasPrefix(out, "#! PROMPT_TYPE: Standard\n"))
	assert.Contains(t, out, "<|im_start|>system\n")
	assert.Contains(t, out, "<|im_start|>user\nhow is memory indexed?")
	assert.True(t, strings.HasSuffix(out, "<|im_start|>assistant\n"))
	assert.Contains(t, out, "The user prefers concise answers.")
	assert.Contains(t, out, "Use final_answer to terminate.")
	assert.Contains(t, out, "⚠️ Rule [R_truth]: Never invent facts")
	assert.Contains(t, out, "past exchange about indexing")
	assert.Contains(t, out, "/kb/README_vector.md")
}

func TestBuild_AlertRulePrefix(t *testing.T) {
	b := testBuilder(t)
	cr := minimalContext()
	cr.ActiveRules = append(cr.ActiveRules, types.NewRule("stop and re-check", "ALERTE_protocol", "alert_override"))
	out := b.Build(types.StandardRequest{Prompt: "p", Context: cr})

	assert.Contains(t, out, "🚨 ALERT [ALERTE_protocol]")
}

func TestBuild_StandardCode_OmitsMemories(t *testing.T) {
	b := testBuilder(t)
	out := b.Build(types.StandardCodeRequest{
		Prompt:  "fix the parser",
		Context: minimalContext(),
		CodeChunks: []types.CodeChunk{{
			Content: "def parse(): ...", Path: "parser.py", Kind: types.ChunkFunction, Language: "python",
		}},
	})

	assert.True(t, strings.HasPrefix(out, "#! PROMPT_TYPE: StandardCode\n"))
	assert.Contains(t, out, "### parser.py")
	assert.Contains(t, out, "```python")
	assert.Contains(t, out, "read_file before proposing an edit")
	// Code mode omits the memory section entirely.
	assert.NotContains(t, out, "past exchange about indexing")
}

func TestFormatMemories_RendersInteractionJSON(t *testing.T) {
	out := formatMemories([]types.Memory{{
		ContentText: `{"timestamp": "2024-01-01", "prompt": "q?", "response": "a."}`,
		TitleText:   "m", ScoreValue: 0.8,
	}})
	assert.Contains(t, out, "[2024-01-01] q? -> a.")
	assert.Contains(t, out, "memory_search")
}

func TestFormatHistory_DropsTrailingOrphan(t *testing.T) {
	out := formatHistory([]string{"u1", "a1", "u2"})
	assert.Contains(t, out, "User: u1")
	assert.Contains(t, out, "Assistant: a1")
	assert.NotContains(t, out, "u2")

	assert.Empty(t, formatHistory([]string{"only-orphan"}))
	assert.Empty(t, formatHistory(nil))
}

func TestBuild_EveryVariantCarriesHeader(t *testing.T) {
	b := testBuilder(t)
	cr := minimalContext()
	plan := types.ExecutionPlan{GlobalObjective: "answer", Steps: []string{"search", "answer"}}

	cases := []struct {
		req  types.PromptRequest
		name string
	}{
		{types.StandardRequest{Prompt: "p", Context: cr}, "Standard"},
		{types.StandardCodeRequest{Prompt: "p", Context: cr}, "StandardCode"},
		{types.ManualContextCodeRequest{Prompt: "p", Context: cr, ManualCode: "x = 1"}, "ManualContextCode"},
		{types.NewChatRequest{Prompt: "hello", LastSession: []string{"u", "a"}}, "NewChat"},
		{types.MemorySearchFirstRequest{Prompt: "p", Context: cr}, "MemorySearchFirst"},
		{types.MemorySearchRequest{Prompt: "p", Context: cr, Plan: plan}, "MemorySearch"},
		{types.CartographyRequest{Prompt: "p", Cartography: "map", Plan: plan}, "Cartography"},
		{types.FileInspectionRequest{Prompt: "p", File: types.Memory{TitleText: "f.py"}, Plan: plan}, "FileInspection"},
		{types.StagingReviewRequest{Prompt: "p", Staged: "staged text", Plan: plan}, "StagingReview"},
		{types.WebSearchRequest{Prompt: "p", Report: "report"}, "WebSearch"},
		{types.ProtocolRequest{Prompt: "p", Protocol: "protocol", History: []string{"u", "a"}}, "Protocol"},
	}
	for _, tc := range cases {
		out := b.Build(tc.req)
		assert.True(t, strings.HasPrefix(out, "#! PROMPT_TYPE: "+tc.name+"\n"), "variant %s", tc.name)
		assert.Contains(t, out, "<|im_start|>assistant\n", "variant %s", tc.name)
	}
}

func TestBuild_PlanRendered(t *testing.T) {
	b := testBuilder(t)
	out := b.Build(types.MemorySearchRequest{
		Prompt: "p", Context: minimalContext(),
		Plan: types.ExecutionPlan{GlobalObjective: "find the bug", Steps: []string{"read logs", "inspect code"}},
	})
	assert.Contains(t, out, "Objective: find the bug")
	assert.Contains(t, out, "1. read logs")
	assert.Contains(t, out, "2. inspect code")
}

func TestViewer_RecordsLastBuiltPrompt(t *testing.T) {
	b := testBuilder(t)
	b.Viewer = &LastPromptCache{}

	b.Build(types.StandardRequest{Prompt: "first", Context: minimalContext()})
	b.Build(types.WebSearchRequest{Prompt: "second", Report: "r"})

	variant, prompt := b.Viewer.Snapshot()
	assert.Equal(t, "WebSearch", variant)
	assert.Contains(t, prompt, "second")
}

func TestBuildFirstChat_UsesNewChatVariant(t *testing.T) {
	b := testBuilder(t)
	out := b.BuildFirstChat("bonjour", []string{"last question", "last answer"}, types.SystemMaterials{})
	assert.True(t, strings.HasPrefix(out, "#! PROMPT_TYPE: NewChat\n"))
	assert.Contains(t, out, "User: last question")
}
