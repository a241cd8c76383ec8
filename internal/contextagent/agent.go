// Package contextagent performs intent-driven aggregation of rules
// (symbolic, category, truth, semantic), READMEs and judge-filtered
// memories into a guaranteed non-empty ContextResult, deduplicated by
// title across every insertion stage.
package contextagent

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"cognitron/internal/config"
	"cognitron/internal/judge"
	"cognitron/internal/logging"
	"cognitron/internal/retrieval"
	"cognitron/internal/types"
)

const truthTag = "truth"

// Agent builds ContextResult values from an Intent and a RetrievalResult.
type Agent struct {
	cfg       config.ContextConfig
	retrieval *retrieval.Agent
	judge     *judge.Judge

	regulesDir      string
	readmesDir      string
	historyDir      string
	consolidatedDir string

	history []string
}

// New builds a context Agent.
func New(cfg config.ContextConfig, ret *retrieval.Agent, j *judge.Judge, regulesDir, readmesDir, historyDir, consolidatedDir string) *Agent {
	return &Agent{
		cfg: cfg, retrieval: ret, judge: j,
		regulesDir: regulesDir, readmesDir: readmesDir,
		historyDir: historyDir, consolidatedDir: consolidatedDir,
	}
}

// SetSessionHistory seeds the session's chat history ring, attached to
// every built ContextResult.
func (a *Agent) SetSessionHistory(lines []string) {
	if len(lines) > a.cfg.MaxHistorySession {
		lines = lines[len(lines)-a.cfg.MaxHistorySession:]
	}
	a.history = lines
}

// Build runs the full aggregation pipeline and returns a non-empty
// ContextResult.
func (a *Agent) Build(ctx context.Context, intent types.Intent, rr types.RetrievalResult) types.ContextResult {
	seenRules := make(map[string]struct{})
	seenReadmes := make(map[string]struct{})

	var rules []types.Rule
	addRules := func(rs []types.Rule) {
		for _, r := range rs {
			if _, dup := seenRules[r.TitleText]; dup {
				continue
			}
			seenRules[r.TitleText] = struct{}{}
			rules = append(rules, r)
		}
	}

	lowerPrompt := strings.ToLower(intent.Prompt)

	// 1. Symbolic rules: regex key -> listed rule IDs retrieved by tag.
	for pattern, ruleIDsCSV := range a.cfg.SymbolicRulesMap {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logging.ContextWarn("invalid symbolic rule pattern %q: %v", pattern, err)
			continue
		}
		if !re.MatchString(lowerPrompt) {
			continue
		}
		for _, id := range strings.Split(ruleIDsCSV, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			addRules(a.retrieval.RulesByTag(ctx, id))
		}
	}

	// 2. Category triggers: tag -> regex.
	for tag, pattern := range a.cfg.TriggersCategories {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logging.ContextWarn("invalid category trigger pattern %q: %v", pattern, err)
			continue
		}
		if re.MatchString(lowerPrompt) {
			addRules(a.retrieval.RulesByTag(ctx, tag))
		}
	}

	// 3. Truth rules: reserved tag, always consulted.
	addRules(a.retrieval.RulesByTag(ctx, truthTag))

	// 4. Fallback base rule if nothing matched yet.
	if len(rules) == 0 {
		addRules([]types.Rule{types.NewRule(
			"Respond helpfully, truthfully and within the bounds of the available context.",
			"default_base_rule", "fallback_rule",
		)})
	}

	// 5. Semantic rules: top-3 from the legislative vector store.
	addRules(a.retrieval.RulesBySemantic(ctx, intent.Prompt, 3))

	// 6. READMEs, with a neutral fallback when none survive the filter.
	readmes := dedupReadmes(a.retrieval.READMEs(ctx, a.readmesDir, intent.Prompt), seenReadmes)
	if len(readmes) == 0 {
		readmes = []types.ReadmeFile{{
			ContentText: "No project README matched this request.",
			TitleText:   "no_readme_required", KindText: "placeholder", ScoreValue: 0,
		}}
	}

	// 7. Memories: reclassify rule-kind memories into the rules list;
	// otherwise a-priori score and keep the top N above threshold.
	memories := a.classifyMemories(intent, rr.RawMemories, addRules)

	return types.ContextResult{
		History:       append([]string(nil), a.history...),
		MemoryContext: memories,
		ActiveRules:   rules,
		Readmes:       readmes,
		Intent:        intent,
	}
}

func dedupReadmes(in []types.ReadmeFile, seen map[string]struct{}) []types.ReadmeFile {
	out := make([]types.ReadmeFile, 0, len(in))
	for _, r := range in {
		if _, dup := seen[r.TitleText]; dup {
			continue
		}
		seen[r.TitleText] = struct{}{}
		out = append(out, r)
	}
	return out
}

// classifyMemories implements pipeline step 7: rule-kind raw memories are
// promoted into the rules list via addRules; everything else is scored
// a-priori with the intent subject as the sole semantic filter, and only
// the top max_items above relevance_threshold survive, one per title. If nothing
// survives, a neutral placeholder is injected.
func (a *Agent) classifyMemories(intent types.Intent, raw []types.Memory, addRules func([]types.Rule)) []types.Memory {
	type scored struct {
		mem   types.Memory
		score float64
	}
	var candidates []scored

	for _, m := range raw {
		if m.KindText == "rule" {
			addRules([]types.Rule{types.NewRule(m.ContentText, m.TitleText, "reclassified_rule")})
			continue
		}
		score := a.judge.Relevance(intent.Prompt, m.ContentText, m.TitleText, []string{string(intent.Subject)})
		candidates = append(candidates, scored{mem: m, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	maxItems := a.cfg.MaxItemsContext
	if maxItems <= 0 {
		maxItems = 10
	}

	seenMemories := make(map[string]struct{})
	out := make([]types.Memory, 0, maxItems)
	for _, c := range candidates {
		if c.score < a.cfg.RelevanceThreshold {
			continue
		}
		if _, dup := seenMemories[c.mem.TitleText]; dup {
			continue
		}
		seenMemories[c.mem.TitleText] = struct{}{}
		m := c.mem
		m.ScoreValue = c.score
		out = append(out, m)
		if len(out) >= maxItems {
			break
		}
	}

	if len(out) == 0 {
		out = []types.Memory{{
			ContentText: "No prior memory met the relevance threshold for this request.",
			TitleText:   "no_memory_required", KindText: "placeholder", ScoreValue: 0,
		}}
	}
	return out
}
