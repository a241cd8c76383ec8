package retrieval

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cognitron/internal/types"
)

// ClassificationQuery filters the per-turn JSON files by classification
// tags and a minimum timestamp. Empty fields match everything.
type ClassificationQuery struct {
	Subject  string
	Action   string
	Category string
	Since    time.Time
}

// ClassificationStats aggregates counters over the matching turns.
type ClassificationStats struct {
	Total      int
	BySubject  map[string]int
	ByAction   map[string]int
	ByCategory map[string]int
	JudgeValid int
}

// ByClassification is the analytics read path over historique/: it scans
// the per-turn JSON files, applies the query, and returns the matching
// interactions plus aggregated counters. It is not called from the turn
// loop; it serves offline analysis.
func (a *Agent) ByClassification(historyDir string, q ClassificationQuery) ([]types.Interaction, ClassificationStats, error) {
	stats := ClassificationStats{
		BySubject:  map[string]int{},
		ByAction:   map[string]int{},
		ByCategory: map[string]int{},
	}

	entries, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stats, nil
		}
		return nil, stats, err
	}

	var out []types.Interaction
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(historyDir, e.Name()))
		if err != nil {
			continue
		}
		var interaction types.Interaction
		if json.Unmarshal(data, &interaction) != nil {
			continue
		}
		if !matchesClassification(interaction, q) {
			continue
		}
		out = append(out, interaction)
		stats.Total++
		stats.BySubject[interaction.Intent.Subject]++
		stats.ByAction[interaction.Intent.Action]++
		stats.ByCategory[interaction.Intent.Category]++
		if interaction.Meta.JudgeValid {
			stats.JudgeValid++
		}
	}
	return out, stats, nil
}

func matchesClassification(i types.Interaction, q ClassificationQuery) bool {
	if q.Subject != "" && !strings.EqualFold(i.Intent.Subject, q.Subject) {
		return false
	}
	if q.Action != "" && !strings.EqualFold(i.Intent.Action, q.Action) {
		return false
	}
	if q.Category != "" && !strings.EqualFold(i.Intent.Category, q.Category) {
		return false
	}
	if !q.Since.IsZero() {
		ts, err := time.Parse(time.RFC3339, i.Meta.Timestamp)
		if err != nil || ts.Before(q.Since) {
			return false
		}
	}
	return true
}
