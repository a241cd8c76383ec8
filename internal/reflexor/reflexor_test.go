package reflexor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cognitron/internal/config"
	"cognitron/internal/fulltext"
	"cognitron/internal/llmclient"
	"cognitron/internal/memory"
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

// analysisServer answers the incident-analysis prompt with a structured
// diagnosis and the rule-mining prompt with plain rule text.
func analysisServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		var content string
		if strings.Contains(req.Prompt, "Return strict JSON") {
			content = `{"committed_error": "ignored the user's config file",
				"ecart_type": "Governance",
				"violated_rule": "respect explicit user input",
				"causal_hypothesis": "the config path was never read",
				"immediate_correction": "re-read the config before answering"}`
		} else {
			content = "Always read the user-provided configuration before generating an answer."
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"content": content})
	}))
}

func testReflexor(t *testing.T, serverURL string) (*Reflexor, *vectorstore.Pair, *fulltext.Index, string) {
	t.Helper()
	root := t.TempDir()
	pair, err := vectorstore.OpenPair(root, "vectorielle", "regles/vecteurs", stubEngine{})
	require.NoError(t, err)
	ft, err := fulltext.Open(filepath.Join(root, "fulltext", "index.json"))
	require.NoError(t, err)
	mem := memory.New(root, pair, ft, nil, "")
	small := llmclient.New("small", config.ModelProfile{ServerURL: serverURL}, nil)
	return New(mem, pair, small, root, 5), pair, ft, root
}

func TestAnalyze_MinesCorrectiveRule(t *testing.T) {
	srv := analysisServer(t)
	defer srv.Close()
	r, pair, ft, root := testReflexor(t, srv.URL)

	narrativeBefore := pair.Narrative.Len()
	require.NoError(t, r.Analyze(context.Background(), []string{"user: you forgot the config", "assistant: sorry"}))

	// A corrective rule file appears under regles/.
	entries, err := os.ReadDir(filepath.Join(root, "regles"))
	require.NoError(t, err)
	var ruleFile string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "R_CORRECTION_") && strings.HasSuffix(e.Name(), ".json") {
			ruleFile = e.Name()
		}
	}
	require.NotEmpty(t, ruleFile, "expected a R_CORRECTION_*.json rule")

	// The legislative store grew by exactly one; the narrative store
	// grew only by the reflexive journal trace, never by the rule.
	assert.Equal(t, 1, pair.Legislative.Len())
	assert.Equal(t, narrativeBefore+1, pair.Narrative.Len())

	// The inverted index carries the new rule document.
	assert.NotEmpty(t, ft.Search("configuration", nil, 0))

	// The reflexive journal records the incident.
	journal, err := os.ReadFile(filepath.Join(root, "reflexive", "journal_de_doute_reflexif.md"))
	require.NoError(t, err)
	assert.Contains(t, string(journal), "Governance")
	assert.Contains(t, string(journal), "ignored the user's config file")

	// The TOML correction index gained a row.
	var idx correctionIndex
	_, err = toml.DecodeFile(filepath.Join(root, "regles", "corrections_index.toml"), &idx)
	require.NoError(t, err)
	require.Len(t, idx.Correction, 1)
	assert.Equal(t, "Governance", idx.Correction[0].EcartType)
}

func TestAnalyze_FallbackOnUnparseableDiagnosis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "I cannot answer in JSON, sorry."})
	}))
	defer srv.Close()
	r, pair, _, root := testReflexor(t, srv.URL)

	require.NoError(t, r.Analyze(context.Background(), []string{"user: !!!"}))

	// The fallback entry is journalled but no rule is mined.
	journal, err := os.ReadFile(filepath.Join(root, "reflexive", "journal_de_doute_reflexif.md"))
	require.NoError(t, err)
	assert.Contains(t, string(journal), "Technical")
	assert.Equal(t, 0, pair.Legislative.Len())
}

func TestParseEcartType(t *testing.T) {
	assert.Equal(t, EcartHallucination, parseEcartType("hallucination"))
	assert.Equal(t, EcartGovernance, parseEcartType("GOVERNANCE"))
	assert.Equal(t, EcartTechnical, parseEcartType(""))
	assert.Equal(t, EcartTechnical, parseEcartType("something else"))
}

func TestRecordFeedback(t *testing.T) {
	srv := analysisServer(t)
	defer srv.Close()
	r, _, ft, root := testReflexor(t, srv.URL)

	require.NoError(t, r.RecordFeedback(context.Background(), "was that useful", "yes it was", 1.0, "utile", "utile"))

	entries, err := os.ReadDir(filepath.Join(root, "reflexive", "feedback"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "positive")
	assert.Contains(t, entries[0].Name(), "utile")

	// Positive feedback with the trigger keyword is indexed.
	assert.NotEmpty(t, ft.Search("useful", nil, 0))
}

func TestRecordFeedback_NegativeNotIndexed(t *testing.T) {
	srv := analysisServer(t)
	defer srv.Close()
	r, _, ft, root := testReflexor(t, srv.URL)

	require.NoError(t, r.RecordFeedback(context.Background(), "that was wrong", "apologies", -1.0, "utile", "utile"))

	entries, err := os.ReadDir(filepath.Join(root, "reflexive", "feedback"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "negative")
	assert.Empty(t, ft.Search("apologies", nil, 0))
}
