// Package reflexor runs the metacognitive self-correction
// loop triggered by the alert command. It diagnoses a recently committed
// mistake from conversation context, journals the incident, mines a
// corrective rule into the legislative store, and records explicit user
// feedback: a diagnose -> journal -> corrective-rule -> feedback
// pipeline.
package reflexor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"cognitron/internal/fulltext"
	"cognitron/internal/jsonrepair"
	"cognitron/internal/llmclient"
	"cognitron/internal/logging"
	"cognitron/internal/memory"
	"cognitron/internal/vectorstore"
)

// EcartType enumerates the kind of deviation diagnosed for an incident
type EcartType string

const (
	EcartHallucination EcartType = "Hallucination"
	EcartGovernance    EcartType = "Governance"
	EcartLogic         EcartType = "Logic"
	EcartBias          EcartType = "Bias"
	EcartVisual        EcartType = "Visual"
	EcartTechnical     EcartType = "Technical"
)

func parseEcartType(s string) EcartType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hallucination":
		return EcartHallucination
	case "governance":
		return EcartGovernance
	case "logic":
		return EcartLogic
	case "bias":
		return EcartBias
	case "visual":
		return EcartVisual
	case "technical", "":
		return EcartTechnical
	default:
		logging.ReflexorWarn("unrecognised ecart_type %q, defaulting to Technical", s)
		return EcartTechnical
	}
}

// JournalEntry is the reflexive incident record, markdown-serialisable
// for the single append-only reflexive journal.
type JournalEntry struct {
	ID                   string
	Timestamp            time.Time
	CommittedError       string
	EcartType            EcartType
	ViolatedRule         string
	CausalHypothesis     string
	ImmediateCorrection  string
}

// Markdown renders the entry the way the reflexive journal persists it.
func (e JournalEntry) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Reflexive incident %s\n", e.ID)
	fmt.Fprintf(&b, "- timestamp: %s\n", e.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- ecart_type: %s\n", e.EcartType)
	fmt.Fprintf(&b, "- committed_error: %s\n", e.CommittedError)
	fmt.Fprintf(&b, "- violated_rule: %s\n", e.ViolatedRule)
	fmt.Fprintf(&b, "- causal_hypothesis: %s\n", e.CausalHypothesis)
	fmt.Fprintf(&b, "- immediate_correction: %s\n", e.ImmediateCorrection)
	return b.String()
}

// Reflexor owns the self-correction loop: incident analysis, corrective
// rule mining and feedback recording.
type Reflexor struct {
	mem     *memory.Manager
	vectors *vectorstore.Pair
	small   *llmclient.Client
	root    string

	TopKSimilar int
}

// New builds a Reflexor rooted at root (the same root the memory Manager
// owns), using the small model for diagnosis and rule generation per
// the small-model serialisation contract.
func New(mem *memory.Manager, vectors *vectorstore.Pair, small *llmclient.Client, root string, topKSimilar int) *Reflexor {
	if topKSimilar <= 0 {
		topKSimilar = 5
	}
	return &Reflexor{mem: mem, vectors: vectors, small: small, root: root, TopKSimilar: topKSimilar}
}

func (r *Reflexor) path(parts ...string) string {
	return filepath.Join(append([]string{r.root}, parts...)...)
}

// Analyze runs the full diagnose -> journal -> corrective-rule pipeline
// triggered by the alert command. It is meant
// to run as a detached background task off the orchestrator's turn loop.
func (r *Reflexor) Analyze(ctx context.Context, recentLines []string) error {
	query := strings.Join(recentLines, "\n")
	similar := r.similarIncidents(ctx, query)
	analysisPrompt := buildAnalysisPrompt(recentLines, similar)

	result := r.small.Generate(ctx, analysisPrompt)

	entry := JournalEntry{ID: uuid.NewString(), Timestamp: time.Now()}
	var parsed map[string]any
	var ok bool
	if result.Err == nil {
		parsed, ok = jsonrepair.Extract(result.Response)
	}

	if result.Err != nil || !ok {
		logging.ReflexorWarn("incident analysis call/parse failed, recording fallback entry: err=%v ok=%v", result.Err, ok)
		entry.CommittedError = "unable to diagnose: analysis call failed or returned unparseable output"
		entry.EcartType = EcartTechnical
		entry.CausalHypothesis = "analysis unavailable"
		entry.ImmediateCorrection = "retry with more conversational context"
	} else {
		entry.CommittedError = stringField(parsed, "committed_error")
		entry.EcartType = parseEcartType(stringField(parsed, "ecart_type"))
		entry.ViolatedRule = stringField(parsed, "violated_rule")
		entry.CausalHypothesis = stringField(parsed, "causal_hypothesis")
		entry.ImmediateCorrection = stringField(parsed, "immediate_correction")
	}

	if err := r.mem.JournalReflexiveTrace(ctx, entry.Markdown(), "reflexive_incident", string(entry.EcartType)); err != nil {
		logging.ReflexorError("reflexive journal write failed: %v", err)
	}
	logging.AuditWithContext("", logging.CategoryReflexor).ReflexorIncident(string(entry.EcartType), ok)

	if ok && entry.CausalHypothesis != "" {
		if err := r.mineCorrectiveRule(ctx, entry); err != nil {
			logging.ReflexorError("corrective rule mining failed: %v", err)
		}
	}
	return nil
}

func (r *Reflexor) similarIncidents(ctx context.Context, query string) []string {
	if r.vectors == nil || r.vectors.Narrative == nil {
		return nil
	}
	hits, err := r.vectors.Narrative.Search(ctx, query, r.TopKSimilar)
	if err != nil {
		logging.ReflexorWarn("similar-incident search failed: %v", err)
		return nil
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if c, ok := h.Meta["content"].(string); ok {
			out = append(out, c)
		}
	}
	return out
}

// mineCorrectiveRule asks the small model for a one-sentence corrective
// rule from the causal hypothesis, persists it under regles/ via the
// memory Manager (which vectorises it into the legislative store), and
// upserts it into the inverted index and the TOML correction-index
// sidecar.
func (r *Reflexor) mineCorrectiveRule(ctx context.Context, entry JournalEntry) error {
	prompt := fmt.Sprintf(
		"Given this causal hypothesis for a mistake the assistant just made: %q\n"+
			"Write a single, concise corrective rule (one sentence) the assistant should follow to avoid repeating it. "+
			"Respond with the rule text only, no preamble, no quotation marks.",
		entry.CausalHypothesis)

	result := r.small.Generate(ctx, prompt)
	if result.Err != nil {
		return fmt.Errorf("reflexor: corrective rule generation: %w", result.Err)
	}
	ruleText := strings.TrimSpace(result.Response)
	if ruleText == "" {
		return nil
	}

	name := fmt.Sprintf("R_CORRECTION_%s", time.Now().UTC().Format("20060102150405"))
	meta := map[string]any{
		"ecart_type":    string(entry.EcartType),
		"violated_rule": entry.ViolatedRule,
		"incident_id":   entry.ID,
	}
	rulePath, err := r.mem.SaveRule(ctx, name, ruleText, meta)
	if err != nil {
		return fmt.Errorf("reflexor: save corrective rule: %w", err)
	}
	logging.AuditWithContext("", logging.CategoryReflexor).ReflexorRuleMined(name)

	if err := r.mem.UpsertFullText(fulltext.Document{
		Path: rulePath, Filename: filepath.Base(rulePath), Content: ruleText,
		Kind: "correction_rule", Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		logging.ReflexorWarn("corrective rule fulltext upsert failed: %v", err)
	}

	return r.appendCorrectionIndex(correctionIndexEntry{
		ID: entry.ID, Timestamp: time.Now().UTC(),
		ViolatedRule: entry.ViolatedRule, EcartType: string(entry.EcartType), RulePath: rulePath,
	})
}

// correctionIndexEntry is one row of the TOML correction-index sidecar
type correctionIndexEntry struct {
	ID           string    `toml:"id"`
	Timestamp    time.Time `toml:"timestamp"`
	ViolatedRule string    `toml:"violated_rule"`
	EcartType    string    `toml:"ecart_type"`
	RulePath     string    `toml:"rule_path"`
}

type correctionIndex struct {
	Correction []correctionIndexEntry `toml:"correction"`
}

func (r *Reflexor) appendCorrectionIndex(entry correctionIndexEntry) error {
	path := r.path("regles", "corrections_index.toml")

	var idx correctionIndex
	if data, err := os.ReadFile(path); err == nil {
		if _, derr := toml.Decode(string(data), &idx); derr != nil {
			logging.ReflexorWarn("corrections_index.toml unreadable, rebuilding: %v", derr)
			idx = correctionIndex{}
		}
	}
	idx.Correction = append(idx.Correction, entry)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(idx); err != nil {
		return fmt.Errorf("reflexor: encode corrections index: %w", err)
	}
	return atomicWriteFile(path, buf.Bytes())
}

// RecordFeedback persists a feedback record under reflexive/feedback/ and,
// when the keyword matches the configured trigger and the score is
// positive, upserts it into the inverted index so it becomes retrievable
func (r *Reflexor) RecordFeedback(ctx context.Context, prompt, response string, score float64, keyword, triggerKeyword string) error {
	ts := time.Now().UTC()
	sign := "negative"
	if score > 0 {
		sign = "positive"
	}
	name := fmt.Sprintf("feedback_%s_%s_%s.json", sign, safeKeyword(keyword), ts.Format("20060102150405"))
	path := r.path("reflexive", "feedback", name)

	doc := map[string]any{
		"prompt": prompt, "response": response, "score": score,
		"keyword": keyword, "timestamp": ts.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("reflexor: encode feedback: %w", err)
	}
	if err := atomicWriteFile(path, data); err != nil {
		return err
	}

	if keyword == triggerKeyword && score > 0 {
		if err := r.mem.UpsertFullText(fulltext.Document{
			Path: path, Filename: filepath.Base(path), Content: prompt + "\n" + response,
			Kind: "feedback", Timestamp: ts.Format(time.RFC3339),
		}); err != nil {
			logging.ReflexorWarn("feedback fulltext upsert failed: %v", err)
		}
	}
	return nil
}

func safeKeyword(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "none"
	}
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func buildAnalysisPrompt(recentLines, similar []string) string {
	var b strings.Builder
	b.WriteString("You are reviewing a recent conversation for a mistake the user just flagged.\n\n")
	b.WriteString("Recent conversation:\n")
	b.WriteString(strings.Join(recentLines, "\n"))
	if len(similar) > 0 {
		b.WriteString("\n\nSimilar past incidents:\n")
		for _, s := range similar {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n\nReturn strict JSON only, no prose: {\"committed_error\": string, " +
		"\"ecart_type\": one of Hallucination|Governance|Logic|Bias|Visual|Technical, " +
		"\"violated_rule\": string, \"causal_hypothesis\": string, \"immediate_correction\": string}.")
	return b.String()
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reflexor: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("reflexor: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("reflexor: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("reflexor: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("reflexor: rename: %w", err)
	}
	return nil
}
