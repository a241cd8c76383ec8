package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cognitron/internal/config"
	"cognitron/internal/fulltext"
	"cognitron/internal/llmclient"
	"cognitron/internal/memory"
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

func testConsolidator(t *testing.T, serverURL string) (*Consolidator, *memory.Manager, string) {
	t.Helper()
	root := t.TempDir()
	pair, err := vectorstore.OpenPair(root, "vectorielle", "regles/vecteurs", stubEngine{})
	require.NoError(t, err)
	ft, err := fulltext.Open(filepath.Join(root, "fulltext", "index.json"))
	require.NoError(t, err)
	mem := memory.New(root, pair, ft, nil, "")

	cfg := config.Default().Consolidator
	cfg.TimeoutSessionHeures = 0.001 // everything is immediately past timeout

	var small *llmclient.Client
	if serverURL != "" {
		small = llmclient.New("small", config.ModelProfile{ServerURL: serverURL}, nil)
	}
	return New(root, mem, small, cfg), mem, root
}

func writeTurn(t *testing.T, root, session string, turn int, prompt, response string, ts time.Time) string {
	t.Helper()
	interaction := types.Interaction{
		Prompt: prompt, Response: response,
		Intent: types.IntentJSON{Prompt: prompt, Subject: "UNKNOWN", Action: "UNKNOWN", Category: "GENERAL"},
		Meta: types.InteractionMeta{
			ID: fmt.Sprintf("id-%s-%d", session, turn), SessionID: session, MessageTurn: turn,
			Timestamp: ts.UTC().Format(time.RFC3339), SourceAgent: "Orchestrator", Kind: "interaction",
		},
	}
	data, err := json.MarshalIndent(interaction, "", "  ")
	require.NoError(t, err)
	dir := filepath.Join(root, "historique")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	name := fmt.Sprintf("interaction_unknown_unknown_general_%s_%d.json", session, turn)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	return name
}

// reclassifyServer answers the batch prompt with one block per "%d." line
// it sees, classifying every message as CODE/FIX/CODE.
func reclassifyServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		count := 0
		for i := 1; ; i++ {
			if !strings.Contains(req.Prompt, fmt.Sprintf("%d. User:", i)) {
				break
			}
			count++
		}
		var out strings.Builder
		for i := 1; i <= count; i++ {
			fmt.Fprintf(&out, `{"subject": "CODE", "action": "FIX", "category": "CODE", "summary": "summary of message %d"}`, i)
			fmt.Fprintf(&out, "\n=== MSG %d ===\n", i)
		}
		out.WriteString(msgTerminator + "\n")

		if req.Stream {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			for _, line := range strings.Split(out.String(), "\n") {
				chunk, _ := json.Marshal(map[string]any{"content": line + "\n"})
				fmt.Fprintf(w, "data: %s\n\n", chunk)
				flusher.Flush()
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"content": out.String()})
	}))
}

func TestRunOnce_ConsolidatesFinishedSession(t *testing.T) {
	srv := reclassifyServer(t)
	defer srv.Close()
	c, _, root := testConsolidator(t, srv.URL)

	old := time.Now().Add(-2 * time.Hour)
	f1 := writeTurn(t, root, "S1", 1, "please fix the parser bug in main.py now", "done", old)
	f2 := writeTurn(t, root, "S1", 2, "and add a regression test for that fix", "added", old.Add(time.Minute))

	require.NoError(t, c.RunOnce(context.Background()))

	entries, err := os.ReadDir(filepath.Join(root, "persistante"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Name(), "CODE_FIX_CODE_"))
		data, err := os.ReadFile(filepath.Join(root, "persistante", e.Name()))
		require.NoError(t, err)
		var interaction types.Interaction
		require.NoError(t, json.Unmarshal(data, &interaction))
		assert.Equal(t, "DeferredConsolidator", interaction.Meta.SourceAgent)
		assert.Contains(t, interaction.Response, "summary of message")
		assert.Equal(t, "consolidation_global", interaction.Meta.FreeData["source"])
	}

	// Every file of the session lands in the processed set.
	state := c.loadState()
	assert.True(t, state.Processed[f1])
	assert.True(t, state.Processed[f2])

	// A second sweep is a no-op: idempotent on the processed set.
	require.NoError(t, c.RunOnce(context.Background()))
	entries, err = os.ReadDir(filepath.Join(root, "persistante"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunOnce_SkipsActiveSession(t *testing.T) {
	srv := reclassifyServer(t)
	defer srv.Close()
	c, _, root := testConsolidator(t, srv.URL)
	c.cfg.TimeoutSessionHeures = 1.0

	writeTurn(t, root, "S2", 1, "a question from five minutes ago that counts", "answer", time.Now().Add(-5*time.Minute))

	require.NoError(t, c.RunOnce(context.Background()))
	_, err := os.ReadDir(filepath.Join(root, "persistante"))
	assert.True(t, os.IsNotExist(err))

	state := c.loadState()
	assert.Empty(t, state.Processed)
}

func TestRunOnce_FailureLeavesProcessedSetUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c, _, root := testConsolidator(t, srv.URL)

	writeTurn(t, root, "S3", 1, "an old question that should be retried later", "answer", time.Now().Add(-2*time.Hour))

	require.NoError(t, c.RunOnce(context.Background()))
	state := c.loadState()
	assert.Empty(t, state.Processed, "a failed session must stay unprocessed for the next sweep")
}

func TestQualityGate(t *testing.T) {
	good := types.Intent{Subject: types.SubjectCode, Action: types.ActionFix, Category: types.CategoryCode}
	unknown := types.Intent{Subject: types.SubjectUnknown}

	assert.False(t, passesQualityGate("exit now", good))
	assert.False(t, passesQualityGate("quit", good))
	assert.False(t, passesQualityGate("recherche_web latest go release notes", good))
	assert.False(t, passesQualityGate("rechercher_memoire what did we decide on indexing", good))
	assert.False(t, passesQualityGate("+1 utile", good))
	assert.False(t, passesQualityGate("-1 wrong", good))
	assert.False(t, passesQualityGate("short", good))
	assert.False(t, passesQualityGate("two words", good))
	assert.False(t, passesQualityGate("a perfectly fine long prompt about code", unknown))
	assert.True(t, passesQualityGate("please explain the vector store", good))
}

func TestRunOnce_QualityGateOnTrainingData(t *testing.T) {
	srv := reclassifyServer(t)
	defer srv.Close()
	c, _, root := testConsolidator(t, srv.URL)

	old := time.Now().Add(-2 * time.Hour)
	writeTurn(t, root, "S4", 1, "exit now", "bye", old)

	require.NoError(t, c.RunOnce(context.Background()))

	// The summary is persisted, but batch_dataset.jsonl is NOT appended.
	entries, err := os.ReadDir(filepath.Join(root, "persistante"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	_, err = os.Stat(filepath.Join(root, c.cfg.TrainingCentreDir, "batch_dataset.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestSplitBlocks(t *testing.T) {
	text := `{"summary": "one"}
=== MSG 1 ===
{"summary": "two"}
=== MSG 2 ===
` + msgTerminator + `
trailing garbage after the terminator`
	blocks := splitBlocks(text)
	require.Len(t, blocks, 2)
	assert.Contains(t, blocks[0], "one")
	assert.Contains(t, blocks[1], "two")
}

func TestRepairTrailingComma(t *testing.T) {
	fixed := repairTrailingComma(`{"a": 1,}`)
	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(fixed), &obj))
	assert.Equal(t, float64(1), obj["a"])
}
