package retrieval

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cognitron/internal/types"
)

func writeTurnJSON(t *testing.T, dir, name, subject, action, category string, judgeValid bool, ts time.Time) {
	t.Helper()
	interaction := types.Interaction{
		Prompt: "p", Response: "r",
		Intent: types.IntentJSON{Subject: subject, Action: action, Category: category},
		Meta: types.InteractionMeta{
			ID: name, SessionID: "S", Timestamp: ts.UTC().Format(time.RFC3339), JudgeValid: judgeValid,
		},
	}
	data, err := json.Marshal(interaction)
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, name+".json"), string(data))
}

func TestByClassification(t *testing.T) {
	a, root := testAgent(t)
	dir := filepath.Join(root, "historique")
	now := time.Now()

	writeTurnJSON(t, dir, "t1", "CODE", "FIX", "CODE", true, now)
	writeTurnJSON(t, dir, "t2", "CODE", "EXPLAIN", "GENERAL", false, now)
	writeTurnJSON(t, dir, "t3", "WEB", "SEARCH", "GENERAL", true, now.Add(-48*time.Hour))

	all, stats, err := a.ByClassification(dir, ClassificationQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.BySubject["CODE"])
	assert.Equal(t, 2, stats.JudgeValid)

	codeOnly, stats, err := a.ByClassification(dir, ClassificationQuery{Subject: "code"})
	require.NoError(t, err)
	assert.Len(t, codeOnly, 2)
	assert.Equal(t, 2, stats.Total)

	recent, _, err := a.ByClassification(dir, ClassificationQuery{Since: now.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestByClassification_MissingDirIsEmpty(t *testing.T) {
	a, root := testAgent(t)
	_, stats, err := a.ByClassification(filepath.Join(root, "absent"), ClassificationQuery{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}
