// Package consolidator is the deferred session consolidator.
// Finished sessions (no new turn for longer than the configured timeout)
// are re-classified message by message via a single streamed LLM call,
// persisted as consolidated summaries, and quality-gated into the
// training dataset.
package consolidator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"cognitron/internal/config"
	"cognitron/internal/jsonrepair"
	"cognitron/internal/llmclient"
	"cognitron/internal/logging"
	"cognitron/internal/memory"
	"cognitron/internal/types"
)

const (
	msgTerminator = "=== END OF SESSION ==="
)

var msgDelimiterRe = regexp.MustCompile(`=== MSG \d+ ===`)
var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

var errStopStream = errors.New("consolidator: terminator reached")

// Consolidator owns the session-grouping, batch-reclassification and
// idempotent state-tracking pipeline.
type Consolidator struct {
	root  string
	mem   *memory.Manager
	small *llmclient.Client
	cfg   config.ConsolidatorConfig
}

// New builds a Consolidator rooted at root (the same root the memory
// Manager owns).
func New(root string, mem *memory.Manager, small *llmclient.Client, cfg config.ConsolidatorConfig) *Consolidator {
	return &Consolidator{root: root, mem: mem, small: small, cfg: cfg}
}

func (c *Consolidator) path(parts ...string) string {
	return filepath.Join(append([]string{c.root}, parts...)...)
}

func (c *Consolidator) statePath() string {
	return c.path(".traitement_state.json")
}

type processState struct {
	Processed map[string]bool `json:"processed"`
	LastRun   string          `json:"last_run"`
}

func (c *Consolidator) loadState() *processState {
	data, err := os.ReadFile(c.statePath())
	if err != nil {
		return &processState{Processed: map[string]bool{}}
	}
	var s processState
	if err := json.Unmarshal(data, &s); err != nil {
		logging.ConsolidatorWarn("state file unreadable, starting fresh: %v", err)
		return &processState{Processed: map[string]bool{}}
	}
	if s.Processed == nil {
		s.Processed = map[string]bool{}
	}
	return &s
}

func (c *Consolidator) saveState(s *processState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(c.statePath(), data)
}

// IsStale reports whether a background run should be scheduled: either no
// run has ever completed, or the last one is older than StaleAfterHours
func (c *Consolidator) IsStale() bool {
	s := c.loadState()
	if s.LastRun == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, s.LastRun)
	if err != nil {
		return true
	}
	threshold := time.Duration(c.cfg.StaleAfterHours * float64(time.Hour))
	return time.Since(last) > threshold
}

type turnFile struct {
	name        string
	path        string
	interaction types.Interaction
	timestamp   time.Time
}

type sessionGroup struct {
	sessionID string
	files     []turnFile
}

// groupSessions walks historique/ for files not yet marked processed,
// parses each as an Interaction, and groups them by session_id in
// ascending timestamp order.
func (c *Consolidator) groupSessions(state *processState) ([]sessionGroup, error) {
	dir := c.path("historique")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("consolidator: read historique: %w", err)
	}

	bySession := map[string][]turnFile{}
	for _, e := range entries {
		if e.IsDir() || state.Processed[e.Name()] {
			continue
		}
		fpath := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(fpath)
		if err != nil {
			logging.ConsolidatorWarn("skipping unreadable turn file %s: %v", e.Name(), err)
			continue
		}
		var interaction types.Interaction
		if err := json.Unmarshal(data, &interaction); err != nil {
			logging.ConsolidatorWarn("skipping malformed turn file %s: %v", e.Name(), err)
			continue
		}
		ts, err := time.Parse(time.RFC3339, interaction.Meta.Timestamp)
		if err != nil {
			ts = time.Now().UTC()
		}
		sid := interaction.Meta.SessionID
		bySession[sid] = append(bySession[sid], turnFile{
			name: e.Name(), path: fpath, interaction: interaction, timestamp: ts,
		})
	}

	groups := make([]sessionGroup, 0, len(bySession))
	for sid, files := range bySession {
		sort.Slice(files, func(i, j int) bool { return files[i].timestamp.Before(files[j].timestamp) })
		groups = append(groups, sessionGroup{sessionID: sid, files: files})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].sessionID < groups[j].sessionID })
	return groups, nil
}

// RunOnce performs a single consolidation sweep: every session whose last
// turn is older than the timeout is re-classified and persisted; a
// session is only marked processed once every one of its turns has been
// consolidated successfully.
func (c *Consolidator) RunOnce(ctx context.Context) error {
	state := c.loadState()

	groups, err := c.groupSessions(state)
	if err != nil {
		return err
	}

	timeout := time.Duration(c.cfg.TimeoutSessionHeures * float64(time.Hour))
	now := time.Now().UTC()
	processedAny := false

	for _, g := range groups {
		last := g.files[len(g.files)-1].timestamp
		if now.Sub(last) < timeout {
			continue
		}
		if err := c.consolidateSession(ctx, g); err != nil {
			logging.ConsolidatorError("session %s consolidation failed, will retry next sweep: %v", g.sessionID, err)
			continue
		}
		for _, f := range g.files {
			state.Processed[f.name] = true
		}
		processedAny = true
		logging.Consolidator("consolidated session %s (%d turns)", g.sessionID, len(g.files))
		logging.AuditWithContext(g.sessionID, logging.CategoryConsolidator).
			ConsolidatorRun(g.sessionID, true, time.Since(now).Milliseconds())
	}

	state.LastRun = now.Format(time.RFC3339)
	if err := c.saveState(state); err != nil {
		return fmt.Errorf("consolidator: save state: %w", err)
	}
	if !processedAny {
		logging.ConsolidatorDebug("sweep complete, no session past timeout")
	}
	return nil
}

func (c *Consolidator) consolidateSession(ctx context.Context, g sessionGroup) error {
	prompt := buildConsolidationPrompt(g.files)

	var out strings.Builder
	streamErr := c.small.Stream(ctx, prompt, func(tok string) error {
		out.WriteString(tok)
		if strings.Contains(out.String(), msgTerminator) {
			return errStopStream
		}
		return nil
	})
	if streamErr != nil && !errors.Is(streamErr, errStopStream) {
		return fmt.Errorf("consolidator: reclassification stream: %w", streamErr)
	}

	blocks := splitBlocks(out.String())
	if len(blocks) != len(g.files) {
		logging.ConsolidatorWarn("session %s: expected %d reclassification blocks, got %d", g.sessionID, len(g.files), len(blocks))
	}
	if len(blocks) < len(g.files) {
		return fmt.Errorf("consolidator: session %s: got %d reclassification blocks for %d turns", g.sessionID, len(blocks), len(g.files))
	}

	n := len(blocks)
	if len(g.files) < n {
		n = len(g.files)
	}
	for i := 0; i < n; i++ {
		if err := c.persistBlock(ctx, g.sessionID, g.files[i], blocks[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consolidator) persistBlock(ctx context.Context, sessionID string, file turnFile, block string) error {
	parsed, ok := jsonrepair.Extract(repairTrailingComma(block))
	if !ok {
		logging.ConsolidatorWarn("session %s turn %s: unparseable reclassification block, keeping original intent", sessionID, file.name)
		parsed = map[string]any{}
	}

	subject := types.MatchSubject(stringField(parsed, "subject", file.interaction.Intent.Subject))
	action := types.MatchAction(stringField(parsed, "action", file.interaction.Intent.Action))
	category := types.MatchCategory(stringField(parsed, "category", file.interaction.Intent.Category))
	summary := stringField(parsed, "summary", file.interaction.Response)

	intent := types.Intent{Prompt: file.interaction.Prompt, Subject: subject, Action: action, Category: category}

	consolidated := types.Interaction{
		Prompt:   file.interaction.Prompt,
		Response: summary,
		System:   file.interaction.System,
		Intent:   types.ToIntentJSON(intent),
		Meta: types.InteractionMeta{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			MessageTurn:  file.interaction.Meta.MessageTurn,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			SourceAgent:  "DeferredConsolidator",
			Kind:         "batch_summary",
			JudgeValid:   true,
			QualityScore: 1.0,
			LenContent:   len(summary),
			FreeData:     map[string]any{"source": "consolidation_global", "origin_file": file.name},
		},
	}

	if _, err := c.mem.SaveConsolidatedSummary(ctx, consolidated); err != nil {
		return fmt.Errorf("consolidator: persist summary for %s: %w", file.name, err)
	}
	if err := c.appendTrainingExample(file.interaction.Prompt, intent); err != nil {
		logging.ConsolidatorWarn("training dataset append failed for %s: %v", file.name, err)
	}
	return nil
}

func buildConsolidationPrompt(files []turnFile) string {
	var b strings.Builder
	b.WriteString("You are re-classifying a finished conversation session, message by message, now that the full session is visible.\n")
	b.WriteString("For each numbered message below, output exactly one JSON object ")
	b.WriteString("{\"subject\": one of CODE|MEMORY|PROJECT|WEB|UNKNOWN, \"action\": one of CREATE|FIX|EXPLAIN|PLAN|SEARCH|UNKNOWN, ")
	b.WriteString("\"category\": one of ANALYSE|CODE|AGENT|PLAN|GENERAL, \"summary\": a one-paragraph summary of that exchange}, ")
	b.WriteString("followed on its own line by the delimiter \"=== MSG n ===\" (n is the message number).\n")
	b.WriteString("After the last message's block and delimiter, output the line \"" + msgTerminator + "\" and stop.\n\n")

	for i, f := range files {
		fmt.Fprintf(&b, "%d. User: %s\n", i+1, f.interaction.Prompt)
		fmt.Fprintf(&b, "   Assistant: %s\n", f.interaction.Response)
	}
	return b.String()
}

func splitBlocks(text string) []string {
	text = strings.SplitN(text, msgTerminator, 2)[0]
	raw := msgDelimiterRe.Split(text, -1)
	blocks := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r != "" {
			blocks = append(blocks, r)
		}
	}
	return blocks
}

func repairTrailingComma(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// passesQualityGate rejects command-only, trivially short, or
// unclassified prompts from the training dataset.
func passesQualityGate(prompt string, intent types.Intent) bool {
	trimmed := strings.TrimSpace(prompt)
	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"+1", "-1", "!!!", "recherche_web", "rechercher_memoire", "exit", "quit"} {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	if len(trimmed) < 10 || len(strings.Fields(trimmed)) < 3 {
		return false
	}
	if intent.Subject == types.SubjectUnknown {
		return false
	}
	return true
}

func (c *Consolidator) appendTrainingExample(prompt string, intent types.Intent) error {
	if !passesQualityGate(prompt, intent) {
		return nil
	}
	content := prompt
	if len(content) > 2000 {
		content = content[:2000]
	}
	line := map[string]any{"prompt": content, "intent": types.ToIntentJSON(intent)}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}

	path := c.path(c.cfg.TrainingCentreDir, "batch_dataset.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// StartScheduler registers RunOnce on the configured cron schedule and
// starts the cron runner.
// The caller owns stopping the returned *cron.Cron at shutdown.
func (c *Consolidator) StartScheduler(ctx context.Context) (*cron.Cron, error) {
	cr := cron.New(cron.WithSeconds())
	_, err := cr.AddFunc(c.cfg.CronSchedule, func() {
		if err := c.RunOnce(ctx); err != nil {
			logging.ConsolidatorError("scheduled consolidation run failed: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consolidator: schedule %q: %w", c.cfg.CronSchedule, err)
	}
	cr.Start()
	return cr, nil
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("consolidator: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("consolidator: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("consolidator: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("consolidator: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("consolidator: rename: %w", err)
	}
	return nil
}
