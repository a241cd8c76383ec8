package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cognitron/internal/jsonrepair"
	"cognitron/internal/logging"
	"cognitron/internal/types"
)

// toolCall is one parsed tool invocation from the model's JSON output.
type toolCall struct {
	Function  string
	Arguments map[string]any
}

// extractToolCall accepts either the flat `{function, arguments}` form
// or the `{"next_action": {...}, "plan_update": {...}}` wrapper; a
// plan_update, when present, is returned alongside the call. The repair passes live in jsonrepair.
func extractToolCall(text string) (toolCall, *types.ExecutionPlan, bool) {
	parsed, ok := jsonrepair.Extract(text)
	if !ok {
		return toolCall{}, nil, false
	}

	var plan *types.ExecutionPlan
	if pu, ok := parsed["plan_update"].(map[string]any); ok {
		p := types.ExecutionPlan{GlobalObjective: asString(pu["global_objective"])}
		if steps, ok := pu["steps"].([]any); ok {
			for _, s := range steps {
				if str, ok := s.(string); ok {
					p.Steps = append(p.Steps, str)
				}
			}
		}
		plan = &p
	}

	body := parsed
	if na, ok := parsed["next_action"].(map[string]any); ok {
		body = na
	}

	fn := asString(body["function"])
	if fn == "" {
		return toolCall{}, plan, false
	}
	args, _ := body["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return toolCall{Function: fn, Arguments: args}, plan, true
}

// toolOutcome is what a tool returned, driving the next prompt variant.
type toolOutcome struct {
	atoms       []types.Memory
	staged      bool // update_system_summary ran
	finalAnswer string
	isFinal     bool
}

// runToolLoop is the bounded tool-call state machine:
// extract a tool call from the last response, execute it, re-generate
// with a variant chosen from the tool's outcome, and loop until
// final_answer, the step cap, or no tool call parsed.
func (o *Orchestrator) runToolLoop(ctx context.Context, prompt string, cr types.ContextResult, response string, suppressed bool, emit func(string)) string {
	maxSteps := o.cfg.MaxAutonomySteps
	if maxSteps <= 0 {
		maxSteps = 6
	}

	current := response
	for step := 1; step <= maxSteps; step++ {
		call, plan, ok := extractToolCall(current)
		if plan != nil {
			o.setPlan(*plan)
		}
		if !ok {
			// No tool call: the natural-language response stands. If the
			// stream was suppressed on a false positive, surface it now.
			if suppressed {
				emit(current)
			}
			return current
		}

		logging.Orchestrator("tool loop step %d: %s", step, call.Function)
		outcome := o.dispatchTool(ctx, call)
		if outcome.isFinal {
			if suppressed {
				emit(outcome.finalAnswer)
			}
			return outcome.finalAnswer
		}

		req := o.nextToolPrompt(prompt, cr, call, outcome, step)
		built := o.builder.Build(req)

		result := o.large.Generate(ctx, built)
		if result.Err != nil {
			logging.OrchestratorWarn("tool-loop generation failed at step %d: %v", step, result.Err)
			emit(apologyMessage)
			return apologyMessage
		}
		current = result.Response
		suppressed = true // every tool-loop continuation is collected silently
	}

	logging.OrchestratorWarn("tool loop hit the %d-step cap without final_answer", maxSteps)
	if suppressed {
		emit(current)
	}
	return current
}

// dispatchTool routes a call to its implementation. Both the French
// primaries and the English aliases of the tool surface are accepted
func (o *Orchestrator) dispatchTool(ctx context.Context, call toolCall) toolOutcome {
	done := o.stats.Observe("tool." + call.Function)
	defer done(nil)

	start := time.Now()
	defer func() {
		logging.AuditWithContext(o.SessionID(), logging.CategoryOrchestrator).
			ToolExec(call.Function, "dispatch", time.Since(start).Milliseconds(), true, "")
	}()

	switch call.Function {
	case "final_answer":
		return toolOutcome{isFinal: true, finalAnswer: asString(call.Arguments["content"])}

	case "rechercher_memoire", "memory_search":
		return o.toolMemorySearch(ctx, call.Arguments)

	case "lire_cartographie", "read_cartography":
		return toolOutcome{atoms: []types.Memory{o.readCartography()}}

	case "lire_fichier", "read_file":
		return o.toolReadFile(ctx, asString(call.Arguments["filename"]))

	case "update_system_summary":
		return o.toolUpdateSystemSummary(asString(call.Arguments["content"]))

	case "recherche_web", "web_search":
		report := o.webResearch(ctx, asString(call.Arguments["query"]))
		return toolOutcome{atoms: []types.Memory{{
			ContentText: report, TitleText: "web_research_report", KindText: "tool_result", ScoreValue: 5.0,
		}}}

	default:
		logging.OrchestratorWarn("unknown tool %q, treating as no-op", call.Function)
		return toolOutcome{atoms: []types.Memory{{
			ContentText: fmt.Sprintf("Unknown tool %q; available tools: rechercher_memoire, lire_cartographie, lire_fichier, update_system_summary, recherche_web, final_answer.", call.Function),
			TitleText:   "unknown_tool", KindText: "tool_result",
		}}}
	}
}

// toolMemorySearch routes to the memory subsystem: vector memory plus
// the inverted index; queries mentioning the cartography are routed to
// the cartography reader instead.
func (o *Orchestrator) toolMemorySearch(ctx context.Context, args map[string]any) toolOutcome {
	queries := extractQueries(args)
	if len(queries) == 0 {
		return toolOutcome{atoms: []types.Memory{{
			ContentText: "memory_search requires a query.", TitleText: "empty_query", KindText: "tool_result",
		}}}
	}

	var atoms []types.Memory
	for _, q := range queries {
		lower := strings.ToLower(q)
		if strings.Contains(lower, "cartography") || strings.Contains(lower, "project_map") {
			atoms = append(atoms, o.readCartography())
			continue
		}
		intent := types.Intent{Prompt: q, Subject: types.SubjectMemory, Action: types.ActionSearch, Category: types.CategoryGeneral}
		rr := o.retrieval.VectorMemoryWithIntentBoost(ctx, intent,
			filepath.Join(o.root, "historique"), filepath.Join(o.root, "persistante"))
		atoms = append(atoms, rr.RawMemories...)
		atoms = append(atoms, o.retrieval.InvertedIndexSearch(q, nil, 5)...)
	}

	if len(atoms) == 0 {
		atoms = []types.Memory{{
			ContentText: "No memory matched the query.", TitleText: "no_results", KindText: "tool_result",
		}}
	}
	return toolOutcome{atoms: atoms}
}

func extractQueries(args map[string]any) []string {
	if q := asString(args["query"]); q != "" {
		return []string{q}
	}
	if list, ok := args["queries"].([]any); ok {
		var out []string
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// readCartography reads the project map JSON produced by the code
// subsystem's worker and formats it as a memory atom; a missing map is
// a recoverable asset and yields a placeholder.
func (o *Orchestrator) readCartography() types.Memory {
	path := filepath.Join(o.root, "code", "code_architecture.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Memory{
			ContentText: "The project map has not been generated yet; run the code indexer first.",
			TitleText:   "project_map_missing", KindText: "placeholder",
		}
	}
	return types.Memory{
		ContentText: string(data), TitleText: "code_architecture.json",
		KindText: "project_cartography", ScoreValue: 10.0, SourcePath: path,
	}
}

// toolReadFile resolves filename through the retrieval agent and
// returns its full contents as a technical_file atom.
func (o *Orchestrator) toolReadFile(ctx context.Context, filename string) toolOutcome {
	if filename == "" {
		return toolOutcome{atoms: []types.Memory{{
			ContentText: "read_file requires a filename.", TitleText: "empty_filename", KindText: "tool_result",
		}}}
	}

	// Direct path first, then locator-backed discovery.
	direct := filepath.Join(o.root, filename)
	if data, err := os.ReadFile(direct); err == nil {
		return toolOutcome{atoms: []types.Memory{{
			ContentText: string(data), TitleText: filename, KindText: "technical_file",
			ScoreValue: 10.0, SourcePath: direct,
		}}}
	}
	found := o.retrieval.ProjectFileIntrospection(ctx, filename, 3)
	for _, m := range found {
		if strings.HasSuffix(m.SourcePath, filename) || m.TitleText == filepath.Base(filename) {
			m.KindText = "technical_file"
			return toolOutcome{atoms: []types.Memory{m}}
		}
	}
	return toolOutcome{atoms: []types.Memory{{
		ContentText: fmt.Sprintf("File %q was not found in the project.", filename),
		TitleText:   "file_not_found", KindText: "tool_result",
	}}}
}

// toolUpdateSystemSummary appends content to the agent's on-disk
// system-summary markdown, the "staging" area autonomous modes write to
func (o *Orchestrator) toolUpdateSystemSummary(content string) toolOutcome {
	if content == "" {
		return toolOutcome{staged: true}
	}
	path := filepath.Join(o.root, "agent", "system_summary.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logging.OrchestratorWarn("system summary mkdir failed: %v", err)
		return toolOutcome{staged: true}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.OrchestratorWarn("system summary open failed: %v", err)
		return toolOutcome{staged: true}
	}
	defer f.Close()
	if _, err := f.WriteString("\n" + content + "\n"); err != nil {
		logging.OrchestratorWarn("system summary append failed: %v", err)
	}
	return toolOutcome{staged: true}
}

// nextToolPrompt chooses the continuation variant from the tool's
// outcome and the step count.
func (o *Orchestrator) nextToolPrompt(prompt string, cr types.ContextResult, call toolCall, outcome toolOutcome, step int) types.PromptRequest {
	if outcome.staged {
		return types.StagingReviewRequest{Prompt: prompt, Staged: o.readAgentFile("system_summary.md"), Plan: o.currentPlan()}
	}
	if mem, ok := findMemoryByKind(outcome.atoms, "project_cartography"); ok {
		return types.CartographyRequest{Prompt: prompt, Cartography: mem.ContentText, Plan: o.currentPlan()}
	}
	if mem, ok := findMemoryByKinds(outcome.atoms, "technical_file", "raw_file"); ok {
		return types.FileInspectionRequest{Prompt: prompt, File: mem, Plan: o.currentPlan()}
	}
	if step == 1 {
		return types.MemorySearchFirstRequest{Prompt: prompt, Context: cr, Found: outcome.atoms}
	}
	return types.MemorySearchRequest{Prompt: prompt, Context: cr, Found: outcome.atoms, Plan: o.currentPlan()}
}
