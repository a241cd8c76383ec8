// Package judge provides a-priori lexical relevance scoring and
// a-posteriori LLM-based coherence evaluation, fail-open on any error so
// generation is never blocked by a judge failure. Stop words, boosts
// and thresholds all come from configuration.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"cognitron/internal/config"
	"cognitron/internal/jsonrepair"
	"cognitron/internal/llmclient"
	"cognitron/internal/logging"
	"cognitron/internal/types"
)

var judgeWordRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// tokenize applies the judge's own analyser: word-regex, lower-case, drop
// stop-words and length<=1 tokens, then "poor stemming" (trim a trailing
// 's' on tokens longer than 3, trailing 'x' on tokens longer than 4).
func tokenize(text string, stopWords map[string]struct{}) []string {
	matches := judgeWordRe.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) <= 1 {
			continue
		}
		if _, stop := stopWords[m]; stop {
			continue
		}
		out = append(out, poorStem(m))
	}
	return out
}

func poorStem(tok string) string {
	if len(tok) > 3 && strings.HasSuffix(tok, "s") {
		tok = tok[:len(tok)-1]
	}
	if len(tok) > 4 && strings.HasSuffix(tok, "x") {
		tok = tok[:len(tok)-1]
	}
	return tok
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func normalizeFilename(name string) string {
	return strings.NewReplacer("_", " ", ".", " ").Replace(name)
}

// Judge evaluates candidate relevance and response coherence.
type Judge struct {
	cfg       config.JudgeConfig
	small     *llmclient.Client
	stopWords map[string]struct{}

	mu  sync.Mutex
	ema float64
}

// New builds a Judge bound to the given small-model client.
func New(cfg config.JudgeConfig, small *llmclient.Client) *Judge {
	stop := make(map[string]struct{}, len(cfg.Pertinence.StopWords))
	for _, w := range cfg.Pertinence.StopWords {
		stop[strings.ToLower(w)] = struct{}{}
	}
	return &Judge{cfg: cfg, small: small, stopWords: stop, ema: 0.5}
}

// Relevance is the a-priori score: content recall and title score (clamped
// and boosted), plus a per-subject bonus when a semantic filter term
// appears in the combined lower-cased text.
func (j *Judge) Relevance(prompt, content, title string, semanticFilters []string) float64 {
	promptTokens := toSet(tokenize(prompt, j.stopWords))
	if len(promptTokens) == 0 {
		return 0
	}
	contentTokens := toSet(tokenize(content, j.stopWords))
	titleTokens := toSet(tokenize(normalizeFilename(title), j.stopWords))

	contentRecall := intersectionRatio(promptTokens, contentTokens)
	titleScore := intersectionRatio(promptTokens, titleTokens) * j.cfg.Pertinence.BoostTitre
	if titleScore > 1.0 {
		titleScore = 1.0
	}

	base := math.Max(contentRecall, titleScore)

	combined := strings.ToLower(content + " " + title)
	bonus := 0.0
	for _, subject := range semanticFilters {
		s := strings.ToLower(subject)
		if s == "" || s == "unknown" {
			continue
		}
		if strings.Contains(combined, s) {
			bonus += j.cfg.Pertinence.BonusSujet
		}
	}

	score := math.Min(1.0, base+bonus)
	return roundTo(score, 3)
}

func intersectionRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 {
		return 0
	}
	common := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			common++
		}
	}
	return float64(common) / float64(len(a))
}

func roundTo(v float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	return math.Round(v*mult) / mult
}

const truncationMarker = "\n\n[... context truncated ...]\n\n"

// Coherence is the a-posteriori factuality check: abstains on short
// context or when the whole judge input (context truncated to the limit,
// prompt and response) exceeds the margin, otherwise calls the small
// model for a strict-JSON verdict. Every outcome updates the running EMA
// coherence statistic.
func (j *Judge) Coherence(ctx context.Context, ragContext, prompt, response string) types.JudgeVerdict {
	if len(ragContext) < j.cfg.Limites.MinCharsContexte {
		return j.recordAndReturn(types.JudgeVerdict{Valid: true, Score: 0.5, Reason: "abstention: context too short"})
	}

	truncated := ragContext
	if len(truncated) >= j.cfg.Limites.MaxCharsContexte {
		truncated = truncated[:j.cfg.Limites.MaxCharsContexte] + truncationMarker
	}
	totalLen := len(truncated) + len(prompt) + len(response)
	if totalLen > j.cfg.Limites.MaxCharsContexte+j.cfg.Limites.MargePromptTotal {
		return j.recordAndReturn(types.JudgeVerdict{Valid: true, Score: 0.5, Reason: "abstention: prompt too large for judge"})
	}

	judgePrompt := buildJudgePrompt(truncated, prompt, response)

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	result := j.small.Generate(callCtx, judgePrompt)
	if result.Err != nil || result.Response == "" {
		reason := "abstention: judge call failed"
		if result.Err != nil {
			reason = fmt.Sprintf("abstention: judge call failed: %v", result.Err)
		}
		return j.recordAndReturn(types.JudgeVerdict{Valid: true, Score: 0.5, Reason: reason})
	}

	parsed, ok := jsonrepair.Extract(result.Response)
	scoreRaw, hasScore := parsed["score"]
	reasonRaw, hasReason := parsed["reason"]
	if !ok || !hasScore {
		return j.recordAndReturn(types.JudgeVerdict{Valid: true, Score: 0.5, Reason: "abstention: judge response missing score field"})
	}

	score := clampScore(toFloat(scoreRaw))
	reason := "no reason given"
	if hasReason {
		if s, ok := reasonRaw.(string); ok && s != "" {
			reason = s
		}
	}

	verdict := types.JudgeVerdict{
		Valid:  score >= j.cfg.Decision.SeuilValidation,
		Score:  score,
		Reason: reason,
		Details: map[string]any{"raw": parsed},
	}
	return j.recordAndReturn(verdict)
}

func (j *Judge) recordAndReturn(v types.JudgeVerdict) types.JudgeVerdict {
	j.mu.Lock()
	j.ema = 0.1*v.Score + 0.9*j.ema
	ema := j.ema
	j.mu.Unlock()
	logging.JudgeDebug("coherence verdict valid=%v score=%.3f ema=%.3f", v.Valid, v.Score, ema)
	return v
}

// EMA returns the current exponential moving average coherence statistic.
func (j *Judge) EMA() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ema
}

type emaFile struct {
	EMA float64 `json:"ema"`
}

// LoadEMA restores a previously persisted coherence EMA, leaving the
// default value if path is absent or unreadable.
func (j *Judge) LoadEMA(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var f emaFile
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	j.mu.Lock()
	j.ema = f.EMA
	j.mu.Unlock()
}

// SaveEMA persists the current coherence EMA via the project's usual
// temp-file-then-rename atomic write.
func (j *Judge) SaveEMA(path string) error {
	j.mu.Lock()
	ema := j.ema
	j.mu.Unlock()

	data, err := json.Marshal(emaFile{EMA: ema})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err == nil {
			return f
		}
	}
	return 0.5
}

func buildJudgePrompt(ragContext, prompt, response string) string {
	var b strings.Builder
	b.WriteString("You are an impartial evaluator. Decide whether each factual claim in the response below is supported by the given context.\n\n")
	b.WriteString("Context:\n")
	b.WriteString(ragContext)
	b.WriteString("\n\nOriginal prompt:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nResponse to evaluate:\n")
	b.WriteString(response)
	b.WriteString("\n\nFor each factual claim in the response, decide if it is supported by the context. ")
	b.WriteString("Return strict JSON only: {\"reason\": string, \"score\": number} where 1.0 means fully supported, ")
	b.WriteString("0.5 means uncertain, 0.0 means hallucination or contradiction.")
	return b.String()
}
