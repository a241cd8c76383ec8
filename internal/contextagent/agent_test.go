package contextagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cognitron/internal/config"
	"cognitron/internal/filelocator"
	"cognitron/internal/fulltext"
	"cognitron/internal/judge"
	"cognitron/internal/retrieval"
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

func testAgent(t *testing.T, cfg config.ContextConfig) (*Agent, string) {
	t.Helper()
	root := t.TempDir()
	pair, err := vectorstore.OpenPair(root, "vectorielle", "regles/vecteurs", stubEngine{})
	require.NoError(t, err)
	ft, err := fulltext.Open(filepath.Join(root, "fulltext", "index.json"))
	require.NoError(t, err)

	ret := &retrieval.Agent{
		Root: root, Vectors: pair, FullText: ft, Locator: filelocator.New(""),
		BoostIntention: 0.15, ResultatsFinaux: 15,
	}
	j := judge.New(config.Default().Judge, nil)
	a := New(cfg, ret, j,
		filepath.Join(root, "regles"),
		filepath.Join(root, "connaissances"),
		filepath.Join(root, "historique"),
		filepath.Join(root, "persistante"))
	return a, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func intentFor(prompt string) types.Intent {
	return types.Intent{Prompt: prompt, Subject: types.SubjectUnknown, Action: types.ActionUnknown, Category: types.CategoryGeneral}
}

func TestBuild_SymbolicRuleFires(t *testing.T) {
	cfg := config.Default().Context
	cfg.SymbolicRulesMap = map[string]string{`^\s*python`: "R_PY"}
	a, root := testAgent(t, cfg)
	writeFile(t, filepath.Join(root, "regles", "R_PY.json"), `{"rule": "Use pep8", "meta": {}}`)

	result := a.Build(context.Background(), intentFor("Python style please"), types.RetrievalResult{})

	var found bool
	for _, r := range result.ActiveRules {
		if r.ContentText == "Use pep8" {
			found = true
			assert.Contains(t, r.TitleText, "R_PY")
		}
	}
	assert.True(t, found, "symbolic rule R_PY should fire on a python-prefixed prompt")
}

func TestBuild_CategoryTriggerFires(t *testing.T) {
	cfg := config.Default().Context
	cfg.TriggersCategories = map[string]string{"securite": `\bsecret\b`}
	a, root := testAgent(t, cfg)
	writeFile(t, filepath.Join(root, "regles", "R_securite_1.json"), `{"rule": "Never echo secrets", "meta": {}}`)

	result := a.Build(context.Background(), intentFor("where is the secret stored"), types.RetrievalResult{})

	var found bool
	for _, r := range result.ActiveRules {
		if r.ContentText == "Never echo secrets" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBuild_TruthRulesAlwaysConsulted(t *testing.T) {
	a, root := testAgent(t, config.Default().Context)
	writeFile(t, filepath.Join(root, "regles", "R_truth_base.json"), `{"rule": "Never invent facts", "meta": {}}`)

	result := a.Build(context.Background(), intentFor("anything at all"), types.RetrievalResult{})

	var found bool
	for _, r := range result.ActiveRules {
		if r.ContentText == "Never invent facts" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBuild_NonEmptyGuarantees(t *testing.T) {
	// Empty workspace, single-character prompt: every fallback fires.
	a, _ := testAgent(t, config.Default().Context)

	result := a.Build(context.Background(), intentFor("x"), types.RetrievalResult{})

	require.NoError(t, result.Validate())
	assert.NotEmpty(t, result.ActiveRules)
	assert.NotEmpty(t, result.Readmes)
	assert.NotEmpty(t, result.MemoryContext)
	assert.Equal(t, "no_readme_required", result.Readmes[0].TitleText)
	assert.Equal(t, "no_memory_required", result.MemoryContext[0].TitleText)
}

func TestBuild_RuleKindMemoryReclassified(t *testing.T) {
	a, _ := testAgent(t, config.Default().Context)

	rr := types.RetrievalResult{RawMemories: []types.Memory{
		{ContentText: "Always run the linter", TitleText: "promoted_rule", KindText: "rule", ScoreValue: 0.9},
	}}
	result := a.Build(context.Background(), intentFor("should I lint"), rr)

	var promoted bool
	for _, r := range result.ActiveRules {
		if r.ContentText == "Always run the linter" {
			promoted = true
			assert.Equal(t, "reclassified_rule", r.KindText)
		}
	}
	assert.True(t, promoted)
	for _, m := range result.MemoryContext {
		assert.NotEqual(t, "promoted_rule", m.TitleText)
	}
}

func TestBuild_MemoriesFilteredByRelevance(t *testing.T) {
	cfg := config.Default().Context
	cfg.RelevanceThreshold = 0.3
	cfg.MaxItemsContext = 2
	a, _ := testAgent(t, cfg)

	rr := types.RetrievalResult{RawMemories: []types.Memory{
		{ContentText: "vector store persistence details", TitleText: "m1", KindText: "raw_history"},
		{ContentText: "vector store search path", TitleText: "m2", KindText: "raw_history"},
		{ContentText: "completely unrelated gardening", TitleText: "m3", KindText: "raw_history"},
		{ContentText: "vector store corruption handling", TitleText: "m4", KindText: "raw_history"},
	}}
	result := a.Build(context.Background(), intentFor("vector store persistence"), rr)

	assert.LessOrEqual(t, len(result.MemoryContext), 2)
	for _, m := range result.MemoryContext {
		assert.NotEqual(t, "m3", m.TitleText)
	}
}

func TestBuild_DeduplicatesRulesByTitle(t *testing.T) {
	cfg := config.Default().Context
	cfg.SymbolicRulesMap = map[string]string{`python`: "R_truth_dup"}
	a, root := testAgent(t, cfg)
	// The same file is reachable both through the symbolic map and the
	// truth tag; it must appear only once.
	writeFile(t, filepath.Join(root, "regles", "R_truth_dup.json"), `{"rule": "One copy only", "meta": {}}`)

	result := a.Build(context.Background(), intentFor("python question"), types.RetrievalResult{})

	count := 0
	for _, r := range result.ActiveRules {
		if r.ContentText == "One copy only" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSessionHistory_CappedAndAttached(t *testing.T) {
	cfg := config.Default().Context
	cfg.MaxHistorySession = 4
	a, _ := testAgent(t, cfg)

	a.SetSessionHistory([]string{"u1", "a1", "u2", "a2", "u3", "a3"})
	result := a.Build(context.Background(), intentFor("continue"), types.RetrievalResult{})

	assert.Equal(t, []string{"u2", "a2", "u3", "a3"}, result.History)
}
