package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cognitron/internal/config"
	"cognitron/internal/contextagent"
	"cognitron/internal/filelocator"
	"cognitron/internal/fulltext"
	"cognitron/internal/judge"
	"cognitron/internal/llmclient"
	"cognitron/internal/memory"
	"cognitron/internal/promptbuilder"
	"cognitron/internal/reflexor"
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

// fakeLLM replays scripted responses; Stream chunks them to exercise
// the token-buffer logic.
type fakeLLM struct {
	responses []string
	calls     int
}

func (f *fakeLLM) next() string {
	if f.calls >= len(f.responses) {
		return ""
	}
	r := f.responses[f.calls]
	f.calls++
	return r
}

func (f *fakeLLM) Generate(_ context.Context, _ string) llmclient.Result {
	return llmclient.Result{Response: f.next()}
}

func (f *fakeLLM) Stream(_ context.Context, _ string, onToken func(string) error) error {
	resp := f.next()
	for len(resp) > 0 {
		n := 7
		if n > len(resp) {
			n = len(resp)
		}
		if err := onToken(resp[:n]); err != nil {
			return err
		}
		resp = resp[n:]
	}
	return nil
}

func testOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()

	agentDir := filepath.Join(root, "agent")
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "tool_instructions.md"), []byte("## Tools"), 0o644))

	pair, err := vectorstore.OpenPair(root, "vectorielle", "regles/vecteurs", stubEngine{})
	require.NoError(t, err)
	ft, err := fulltext.Open(filepath.Join(root, "fulltext", "index.json"))
	require.NoError(t, err)

	mem := memory.New(root, pair, ft, nil, "")
	ret := &retrieval.Agent{
		Root: root, Vectors: pair, FullText: ft, Locator: filelocator.New(""),
		BoostIntention: 0.15, ResultatsFinaux: 15,
	}

	judgeCfg := config.Default().Judge
	judgeCfg.Limites.MinCharsContexte = 1 << 20 // always abstain: no small-model call in tests
	j := judge.New(judgeCfg, nil)

	ctxAgent := contextagent.New(config.Default().Context, ret, j,
		filepath.Join(root, "regles"), filepath.Join(root, "connaissances"),
		filepath.Join(root, "historique"), filepath.Join(root, "persistante"))

	builder, err := promptbuilder.New(promptbuilder.Assets{
		UserProfilePath:      filepath.Join(agentDir, "user_profile.md"),
		SystemSummaryPath:    filepath.Join(agentDir, "system_summary.md"),
		ToolInstructionsPath: filepath.Join(agentDir, "tool_instructions.md"),
	})
	require.NoError(t, err)

	refl := reflexor.New(mem, pair, nil, root, 5)

	o := New(Deps{
		Config:    config.Default().Orchestrator,
		Root:      root,
		Builder:   builder,
		Retrieval: ret,
		Context:   ctxAgent,
		Judge:     j,
		Memory:    mem,
		Reflexor:  refl,
	})
	return o, root
}

const classification = `{"subject": "PROJECT", "action": "EXPLAIN", "category": "ANALYSE"}`

func TestThink_ToolCallRoundTrip(t *testing.T) {
	o, root := testOrchestrator(t)

	// The cartography the lire_cartographie tool will read.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "code"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "code", "code_architecture.json"),
		[]byte(`{"modules": {"a.py": {}, "b.py": {}}}`), 0o644))

	large := &fakeLLM{responses: []string{
		`{"next_action": {"function": "lire_cartographie", "arguments": {}}}`,
		`{"next_action": {"function": "final_answer", "arguments": {"content": "Start with a.py"}}}`,
	}}
	small := &fakeLLM{responses: []string{classification}}
	o.large = large
	o.small = small

	var emitted strings.Builder
	out := o.Think(context.Background(), TurnInput{Prompt: "Which file should I start with?"}, func(tok string) {
		emitted.WriteString(tok)
	})
	o.Wait()

	assert.Equal(t, "Start with a.py", out)
	assert.Equal(t, "Start with a.py", emitted.String())
	assert.Equal(t, 2, large.calls, "one streamed generation plus one tool-loop continuation")
}

func TestThink_NaturalReplyStreamsLive(t *testing.T) {
	o, _ := testOrchestrator(t)
	reply := "The vector store keeps its index and metadata files in lockstep, always the same length."
	o.large = &fakeLLM{responses: []string{reply}}
	o.small = &fakeLLM{responses: []string{classification}}

	var emitted strings.Builder
	out := o.Think(context.Background(), TurnInput{Prompt: "explain the store invariant"}, func(tok string) {
		emitted.WriteString(tok)
	})
	o.Wait()

	assert.Equal(t, reply, out)
	assert.Equal(t, reply, emitted.String())
}

func TestThink_ToolLoopRespectsStepCap(t *testing.T) {
	o, _ := testOrchestrator(t)
	o.cfg.MaxAutonomySteps = 2

	// The model keeps asking for memory and never terminates.
	loop := `{"next_action": {"function": "rechercher_memoire", "arguments": {"query": "anything"}}}`
	o.large = &fakeLLM{responses: []string{loop, loop, loop, loop, loop}}
	o.small = &fakeLLM{responses: []string{classification}}

	o.Think(context.Background(), TurnInput{Prompt: "search my memory please"}, func(string) {})
	o.Wait()

	// 1 initial stream + at most MaxAutonomySteps continuations.
	assert.LessOrEqual(t, o.large.(*fakeLLM).calls, 3)
}

func TestThink_PersistsInteraction(t *testing.T) {
	o, root := testOrchestrator(t)
	o.large = &fakeLLM{responses: []string{"A plain answer with enough text to flush the buffer immediately."}}
	o.small = &fakeLLM{responses: []string{classification}}

	o.Think(context.Background(), TurnInput{Prompt: "record this turn"}, func(string) {})
	o.Wait()

	entries, err := os.ReadDir(filepath.Join(root, "historique"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestThink_FeedbackCommand(t *testing.T) {
	o, root := testOrchestrator(t)
	o.large = &fakeLLM{}
	o.small = &fakeLLM{}

	out := o.Think(context.Background(), TurnInput{Prompt: "+1 utile"}, func(string) {})
	o.Wait()

	assert.Equal(t, "Feedback noted.", out)
	entries, err := os.ReadDir(filepath.Join(root, "reflexive", "feedback"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "positive")
}

func TestThink_Salutation_FirstChatMode(t *testing.T) {
	o, _ := testOrchestrator(t)
	o.large = &fakeLLM{responses: []string{"Welcome back. Last time we discussed the indexer."}}
	o.small = &fakeLLM{}

	var emitted strings.Builder
	out := o.Think(context.Background(), TurnInput{Prompt: "Bonjour"}, func(tok string) { emitted.WriteString(tok) })
	o.Wait()

	assert.Contains(t, out, "Welcome back")
	assert.Equal(t, out, emitted.String())
	// No classification happened: the gate short-circuits the turn.
	assert.Equal(t, 0, o.small.(*fakeLLM).calls)
}

func TestSelectMode_Precedence(t *testing.T) {
	o, _ := testOrchestrator(t)
	cr := types.ContextResult{
		MemoryContext: []types.Memory{{TitleText: "m", KindText: "placeholder"}},
		ActiveRules:   []types.Rule{types.NewRule("r", "t", "k")},
		Readmes:       []types.ReadmeFile{{TitleText: "r"}},
	}
	intent := types.Intent{Category: types.CategoryAnalyse}

	// Cartography atom wins over file inspection, staging and code chunks.
	crMap := cr
	crMap.MemoryContext = []types.Memory{{TitleText: "map", KindText: "project_cartography", ContentText: "files"}}
	req := o.selectMode(TurnInput{}, "p", intent, crMap, []types.CodeChunk{{Path: "x.py"}})
	assert.Equal(t, "Cartography", req.VariantName())

	// A technical file with an Analyse intent selects FileInspection.
	crFile := cr
	crFile.MemoryContext = []types.Memory{{TitleText: "f", KindText: "technical_file", ContentText: "body"}}
	req = o.selectMode(TurnInput{}, "p", intent, crFile, nil)
	assert.Equal(t, "FileInspection", req.VariantName())

	// The same file under a General intent falls through to Standard.
	req = o.selectMode(TurnInput{}, "p", types.Intent{Category: types.CategoryGeneral}, crFile, nil)
	assert.Equal(t, "Standard", req.VariantName())

	// Plan intent + "staging" in the prompt selects StagingReview.
	req = o.selectMode(TurnInput{}, "review the staging area", types.Intent{Category: types.CategoryPlan}, cr, nil)
	assert.Equal(t, "StagingReview", req.VariantName())

	// Code chunks present selects StandardCode.
	req = o.selectMode(TurnInput{}, "p", intent, cr, []types.CodeChunk{{Path: "x.py"}})
	assert.Equal(t, "StandardCode", req.VariantName())

	// Manual-context override wins over chunks.
	req = o.selectMode(TurnInput{SearchMode: SearchModeManualContext, ManualCode: "x"}, "p", intent, cr, []types.CodeChunk{{Path: "x.py"}})
	assert.Equal(t, "ManualContextCode", req.VariantName())

	// Nothing special: Standard.
	req = o.selectMode(TurnInput{}, "p", intent, cr, nil)
	assert.Equal(t, "Standard", req.VariantName())
}

func TestActiveFileInjection(t *testing.T) {
	o, root := testOrchestrator(t)
	pinned := filepath.Join(root, "notes.py")
	require.NoError(t, os.WriteFile(pinned, []byte("x = 1\n"), 0o644))

	o.PinFile(pinned)
	chunks := o.activeFileChunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, types.ChunkActive, chunks[0].Kind)
	assert.Equal(t, "python", chunks[0].Language)

	o.UnpinFile(pinned)
	assert.Empty(t, o.activeFileChunks())
}

func TestRecordExchange_BoundedRing(t *testing.T) {
	o, _ := testOrchestrator(t)
	o.cfg.MaxHistorySession = 2

	for i := 0; i < 5; i++ {
		o.recordExchange("q", "a")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Len(t, o.history, 4)
}
