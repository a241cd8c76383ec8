package retrieval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cognitron/internal/filelocator"
	"cognitron/internal/fulltext"
	"cognitron/internal/types"
	"cognitron/internal/vectorstore"
)

type stubEngine struct{}

func (stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	for i, b := range []byte(text) {
		vec[i%4] += float32(b) / 255.0
	}
	return vec, nil
}

func (e stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := e.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (stubEngine) Dimensions() int { return 4 }
func (stubEngine) Name() string    { return "stub" }

func testAgent(t *testing.T) (*Agent, string) {
	t.Helper()
	root := t.TempDir()
	pair, err := vectorstore.OpenPair(root, "vectorielle", "regles/vecteurs", stubEngine{})
	require.NoError(t, err)
	ft, err := fulltext.Open(filepath.Join(root, "fulltext", "index.json"))
	require.NoError(t, err)
	return &Agent{
		Root: root, Vectors: pair, FullText: ft,
		Locator:         filelocator.New(""), // subprocess disabled: glob fallback paths
		BoostIntention:  0.15,
		ResultatsFinaux: 15,
	}, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRulesByTag(t *testing.T) {
	a, root := testAgent(t)
	writeFile(t, filepath.Join(root, "regles", "R_PY.json"), `{"rule": "Use pep8", "meta": {}}`)
	writeFile(t, filepath.Join(root, "regles", "R_OTHER.json"), `{"rule": "Unrelated", "meta": {}}`)

	rules := a.RulesByTag(context.Background(), "R_PY")
	require.Len(t, rules, 1)
	assert.Equal(t, "Use pep8", rules[0].ContentText)
	assert.Contains(t, rules[0].TitleText, "R_PY")
	assert.Equal(t, types.DefaultRuleScore, rules[0].ScoreValue)
}

func TestRulesByTag_RawContentOnDecodeError(t *testing.T) {
	a, root := testAgent(t)
	writeFile(t, filepath.Join(root, "regles", "R_RAW.json"), `not actually json`)

	rules := a.RulesByTag(context.Background(), "R_RAW")
	require.Len(t, rules, 1)
	assert.Equal(t, "not actually json", rules[0].ContentText)
}

func TestRulesBySemantic(t *testing.T) {
	a, root := testAgent(t)
	_ = root
	require.NoError(t, a.Vectors.Legislative.AddFragment(context.Background(),
		"always cite the source file", vectorstore.Meta{"title": "R_SOURCES"}))

	rules := a.RulesBySemantic(context.Background(), "citing sources", 3)
	require.Len(t, rules, 1)
	assert.Equal(t, "vectorial_rule", rules[0].KindText)
	assert.Contains(t, rules[0].TitleText, "R_SOURCES")
	assert.Contains(t, rules[0].TitleText, "sim:")
}

func TestREADMEs_KeyTokenSubsetFilter(t *testing.T) {
	a, root := testAgent(t)
	dir := filepath.Join(root, "connaissances")
	writeFile(t, filepath.Join(dir, "README_vector_store.md"), "# vector store docs")
	writeFile(t, filepath.Join(dir, "README_deployment.md"), "# deployment docs")

	// Prompt tokens cover {vector, store} but not {deployment}.
	out := a.READMEs(context.Background(), dir, "How does the Vector store work?")
	require.Len(t, out, 1)
	assert.Equal(t, "README_vector_store.md", out[0].TitleText)

	// A prompt covering neither key returns nothing.
	assert.Empty(t, a.READMEs(context.Background(), dir, "tell me a joke"))
}

func TestREADMEs_CamelCasePromptSplit(t *testing.T) {
	a, root := testAgent(t)
	dir := filepath.Join(root, "connaissances")
	writeFile(t, filepath.Join(dir, "README_memory.md"), "# memory docs")

	out := a.READMEs(context.Background(), dir, "explain the memoryManager")
	require.Len(t, out, 1)
}

func TestVectorMemory_IntentBoostNeverLowersScore(t *testing.T) {
	a, root := testAgent(t)
	_ = root
	ctx := context.Background()
	require.NoError(t, a.Vectors.Narrative.AddFragment(ctx, "code refactoring notes",
		vectorstore.Meta{"title": "CODE_FIX_notes", "kind": "batch_summary"}))
	require.NoError(t, a.Vectors.Narrative.AddFragment(ctx, "gardening tips",
		vectorstore.Meta{"title": "hobby_notes", "kind": "batch_summary"}))

	intent := types.Intent{Prompt: "code refactoring notes", Subject: types.SubjectCode, Action: types.ActionFix, Category: types.CategoryGeneral}
	boosted := a.VectorMemoryWithIntentBoost(ctx, intent, filepath.Join(root, "historique"), filepath.Join(root, "persistante"))

	neutral := types.Intent{Prompt: "code refactoring notes", Subject: types.SubjectUnknown, Action: types.ActionUnknown, Category: types.CategoryGeneral}
	raw := a.VectorMemoryWithIntentBoost(ctx, neutral, filepath.Join(root, "historique"), filepath.Join(root, "persistante"))

	require.NotEmpty(t, boosted.RawMemories)
	require.NotEmpty(t, raw.RawMemories)

	byTitle := func(rr types.RetrievalResult, title string) float64 {
		for _, m := range rr.RawMemories {
			if m.TitleText == title {
				return m.ScoreValue
			}
		}
		t.Fatalf("no memory titled %s", title)
		return 0
	}

	// The title carrying intent terms is boosted; the other is untouched.
	assert.Greater(t, byTitle(boosted, "CODE_FIX_notes"), byTitle(raw, "CODE_FIX_notes"))
	assert.Equal(t, byTitle(raw, "hobby_notes"), byTitle(boosted, "hobby_notes"))

	// Results are sorted by final score descending.
	for i := 1; i < len(boosted.RawMemories); i++ {
		assert.GreaterOrEqual(t, boosted.RawMemories[i-1].ScoreValue, boosted.RawMemories[i].ScoreValue)
	}
}

func TestVectorMemory_ContextSwap(t *testing.T) {
	a, root := testAgent(t)
	ctx := context.Background()
	historyDir := filepath.Join(root, "historique")
	consolidatedDir := filepath.Join(root, "persistante")

	rawPath := filepath.Join(historyDir, "interaction_code_fix_general_1.json")
	writeFile(t, rawPath, `{"prompt": "raw question", "response": "raw answer"}`)

	consolidated := map[string]any{
		"prompt":   "raw question",
		"response": "the consolidated summary of this exchange",
		"meta":     map[string]any{"session_id": "S", "message_turn": 3},
	}
	data, _ := json.MarshalIndent(consolidated, "", "  ")
	writeFile(t, filepath.Join(consolidatedDir, "CODE_FIX_GENERAL_20240101_abcd.json"), string(data))

	require.NoError(t, a.Vectors.Narrative.AddFragment(ctx, "raw question raw answer", vectorstore.Meta{
		"title": "interaction_code_fix_general_1.json", "kind": "raw_history",
		"path": rawPath, "session_id": "S", "message_turn": 3,
	}))

	intent := types.Intent{Prompt: "raw question", Subject: types.SubjectUnknown, Action: types.ActionUnknown, Category: types.CategoryGeneral}
	rr := a.VectorMemoryWithIntentBoost(ctx, intent, historyDir, consolidatedDir)
	require.NotEmpty(t, rr.RawMemories)

	hit := rr.RawMemories[0]
	assert.Equal(t, "consolidated_summary", hit.KindText)
	assert.Equal(t, "the consolidated summary of this exchange", hit.ContentText)
	assert.Equal(t, "CODE_FIX_GENERAL_20240101_abcd.json", hit.TitleText)
}

func TestVerbatim_ExactPhraseOnly(t *testing.T) {
	a, root := testAgent(t)
	historyDir := filepath.Join(root, "historique")
	writeFile(t, filepath.Join(historyDir, "a.json"), `the exact secret phrase appears here`)
	writeFile(t, filepath.Join(historyDir, "b.json"), `exact phrase secret — tokens match, order does not`)

	out := a.Verbatim(context.Background(), historyDir, "exact secret phrase")
	require.Len(t, out, 1)
	assert.Equal(t, "a.json", out[0].TitleText)
	assert.Equal(t, 10.0, out[0].ScoreValue)
	assert.Equal(t, "verbatim_proven", out[0].KindText)
}

func TestChronologicalHistory_OldestFirst(t *testing.T) {
	a, root := testAgent(t)
	historyDir := filepath.Join(root, "historique")
	writeFile(t, filepath.Join(historyDir, "older.json"), `{"prompt": "first"}`)
	older := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(historyDir, "older.json"), older, older))
	writeFile(t, filepath.Join(historyDir, "newer.json"), `{"prompt": "second"}`)

	out := a.ChronologicalHistory(historyDir, filepath.Join(root, "persistante"), 5)
	require.Len(t, out, 2)
	assert.Equal(t, "older.json", out[0].TitleText)
	assert.Equal(t, "newer.json", out[1].TitleText)
}

func TestInvertedIndexSearch_PreviewTruncatedAndWhitelisted(t *testing.T) {
	a, _ := testAgent(t)
	long := make([]byte, 1200)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, a.FullText.Update(fulltext.Document{
		Path: "/mem/long.json", Filename: "long.json", Content: "needle " + string(long),
	}))
	require.NoError(t, a.FullText.Update(fulltext.Document{
		Path: "/mem/other.json", Filename: "other.json", Content: "needle short",
	}))

	all := a.InvertedIndexSearch("needle", nil, 0)
	require.Len(t, all, 2)
	for _, m := range all {
		assert.LessOrEqual(t, len(m.ContentText), 800)
	}

	whitelist := map[string]struct{}{"/mem/other.json": {}}
	filtered := a.InvertedIndexSearch("needle", whitelist, 0)
	require.Len(t, filtered, 1)
	assert.Equal(t, "/mem/other.json", filtered[0].SourcePath)
}
