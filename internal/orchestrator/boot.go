package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cognitron/internal/consolidator"
	"cognitron/internal/logging"
	"cognitron/internal/types"
)

// staleAfter is how old the consolidator's last run may be before boot
// schedules a fresh background sweep.
const staleAfter = 45 * time.Hour

// BackgroundBoot runs the cold-start work: session continuity reload, a
// staleness check on the deferred consolidator, and system-summary
// generation when the file is absent. Heavy work runs detached; the
// call itself returns quickly.
func (o *Orchestrator) BackgroundBoot(ctx context.Context, cons *consolidator.Consolidator) {
	o.reloadContinuity()

	if cons != nil && o.consolidatorStale() {
		o.postWG.Add(1)
		go func() {
			defer o.postWG.Done()
			logging.Boot("consolidator state is stale, scheduling background sweep")
			if err := cons.RunOnce(ctx); err != nil {
				logging.BootWarn("startup consolidation sweep failed: %v", err)
			}
		}()
	}

	summaryPath := filepath.Join(o.root, "agent", "system_summary.md")
	if _, err := os.Stat(summaryPath); os.IsNotExist(err) {
		o.postWG.Add(1)
		go func() {
			defer o.postWG.Done()
			o.generateSystemSummary(summaryPath)
		}()
	}
}

// reloadContinuity seeds the session history ring from the newest
// historical turn files so the first prompt of a new run can refer to
// the previous session.
func (o *Orchestrator) reloadContinuity() {
	n := o.cfg.MaxHistorySession
	if n <= 0 {
		n = 10
	}
	memories := o.retrieval.ChronologicalHistory(
		filepath.Join(o.root, "historique"), filepath.Join(o.root, "persistante"), n)

	var lines []string
	for _, m := range memories {
		var interaction types.Interaction
		if err := json.Unmarshal([]byte(m.ContentText), &interaction); err == nil && interaction.Prompt != "" {
			lines = append(lines, interaction.Prompt, interaction.Response)
			continue
		}
		// Consolidated summaries are not interaction JSON; carry the text.
		if m.KindText == "consolidated_summary" {
			lines = append(lines, m.TitleText, m.ContentText)
		}
	}

	o.mu.Lock()
	o.history = lines
	o.mu.Unlock()
	o.ctxAgent.SetSessionHistory(lines)
	logging.Boot("session continuity: %d history lines reloaded", len(lines))
}

func (o *Orchestrator) consolidatorStale() bool {
	data, err := os.ReadFile(filepath.Join(o.root, ".traitement_state.json"))
	if err != nil {
		return true
	}
	var state struct {
		LastRun string `json:"last_run"`
	}
	if err := json.Unmarshal(data, &state); err != nil || state.LastRun == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, state.LastRun)
	if err != nil {
		return true
	}
	return time.Since(last) > staleAfter
}

// generateSystemSummary composes the system-summary markdown from the
// first lines of the agent's history and todo files.
func (o *Orchestrator) generateSystemSummary(path string) {
	historyLines := firstNonEmptyLines(filepath.Join(o.root, "agent", "historique_agent.md"), 5)
	todoLines := firstNonEmptyLines(filepath.Join(o.root, "agent", "todo.md"), 5)

	var b strings.Builder
	b.WriteString("# System summary\n\n")
	b.WriteString("## Recent activity\n")
	if len(historyLines) == 0 {
		b.WriteString("(no recorded activity yet)\n")
	}
	for _, l := range historyLines {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	b.WriteString("\n## Open items\n")
	if len(todoLines) == 0 {
		b.WriteString("(no open items)\n")
	}
	for _, l := range todoLines {
		fmt.Fprintf(&b, "- %s\n", l)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logging.BootWarn("system summary mkdir failed: %v", err)
		return
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		logging.BootWarn("system summary write failed: %v", err)
		return
	}
	logging.Boot("system summary generated at %s", path)
}

func firstNonEmptyLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(out) < n {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// StartStatsSync launches the periodic stats synchronisation worker: a
// 60-second warm-up, then a snapshot flush every 5 minutes. The worker stops when ctx is cancelled.
func (o *Orchestrator) StartStatsSync(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(60 * time.Second):
		}
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			o.flushStats()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (o *Orchestrator) flushStats() {
	snapshot := o.stats.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	if err := o.mem.SaveMemory("agent", "runtime_stats.json", snapshot); err != nil {
		logging.OrchestratorWarn("stats flush failed: %v", err)
	}
}
