// Package orchestrator owns the turn loop that ties every other
// component together: command gate, intent detection, retrieval, prompt
// selection, streaming generation, the bounded tool-call state machine
// and the fire-and-forget post-processing worker.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cognitron/internal/codegraph"
	"cognitron/internal/config"
	"cognitron/internal/contextagent"
	"cognitron/internal/judge"
	"cognitron/internal/llmclient"
	"cognitron/internal/logging"
	"cognitron/internal/memory"
	"cognitron/internal/promptbuilder"
	"cognitron/internal/reflexor"
	"cognitron/internal/retrieval"
	"cognitron/internal/types"
)

// apologyMessage is the fixed string emitted when the generation path
// fails for any reason; the turn still runs post-processing so the
// failure is journalled.
const apologyMessage = "I hit an internal error while answering; the incident has been journalled. Please try again."

// completionClient is the slice of llmclient.Client the orchestrator
// depends on; narrowed to an interface so the turn loop is testable
// against a scripted fake.
type completionClient interface {
	Generate(ctx context.Context, prompt string) llmclient.Result
	Stream(ctx context.Context, prompt string, onToken func(string) error) error
}

var _ completionClient = (*llmclient.Client)(nil)

// SearchMode is the caller-selected override for a turn.
type SearchMode string

const (
	SearchModeNone          SearchMode = ""
	SearchModeWeb           SearchMode = "web"
	SearchModeManualContext SearchMode = "manual_context"
)

// TurnInput carries one user turn into Think.
type TurnInput struct {
	Prompt     string
	SearchMode SearchMode
	ManualCode string
	// HistoryOverride replaces the session history for this turn only.
	HistoryOverride []string
}

// Orchestrator owns all agents and the per-run session state.
type Orchestrator struct {
	cfg  config.OrchestratorConfig
	root string

	large completionClient
	small completionClient

	builder   *promptbuilder.Builder
	retrieval *retrieval.Agent
	ctxAgent  *contextagent.Agent
	judge     *judge.Judge
	mem       *memory.Manager
	reflexor  *reflexor.Reflexor
	rag       *codegraph.RAG // nil when the code subsystem is not built yet

	research *Researcher

	stats *StatsBlock

	mu          sync.Mutex
	sessionID   string
	messageTurn int
	lastIntent  types.Intent
	activePlan  types.ExecutionPlan
	activeFiles map[string]struct{}
	history     []string

	// alertOverride, when non-empty, is prepended as a top-priority rule
	// on every retrieval until cleared.
	alertOverride string

	postWG sync.WaitGroup
}

// Deps bundles the construction-time dependencies.
type Deps struct {
	Config    config.OrchestratorConfig
	Root      string
	LLM       *llmclient.Pair
	Builder   *promptbuilder.Builder
	Retrieval *retrieval.Agent
	Context   *contextagent.Agent
	Judge     *judge.Judge
	Memory    *memory.Manager
	Reflexor  *reflexor.Reflexor
	RAG       *codegraph.RAG
	Research  *Researcher
}

// New wires an Orchestrator. The session ID is minted once per run;
// message_turn is monotone within it.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:         d.Config,
		root:        d.Root,
		builder:     d.Builder,
		retrieval:   d.Retrieval,
		ctxAgent:    d.Context,
		judge:       d.Judge,
		mem:         d.Memory,
		reflexor:    d.Reflexor,
		rag:         d.RAG,
		research:    d.Research,
		stats:       NewStatsBlock(),
		sessionID:   uuid.NewString(),
		activeFiles: make(map[string]struct{}),
	}
	if d.LLM != nil {
		o.large = d.LLM.Large
		o.small = d.LLM.Small
	}
	return o
}

// SessionID returns the per-run session identifier.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// PinFile adds a path to the session's active file set; it is re-read
// and attached as an active CodeChunk on every subsequent turn.
func (o *Orchestrator) PinFile(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeFiles[path] = struct{}{}
}

// UnpinFile removes a path from the active file set.
func (o *Orchestrator) UnpinFile(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeFiles, path)
}

// Wait blocks until all in-flight post-processing workers are done.
// Used by tests and by graceful shutdown.
func (o *Orchestrator) Wait() { o.postWG.Wait() }

// SetRAG hot-swaps the code-graph read adapter after a reindex, so the
// next turn sees the fresh graph, chunk journal and embeddings.
func (o *Orchestrator) SetRAG(rag *codegraph.RAG) {
	o.mu.Lock()
	o.rag = rag
	o.mu.Unlock()
}

var (
	salutationRe = regexp.MustCompile(`(?i)^\s*(bonjour|salut|hello|hi|hey|coucou)\b`)
	feedbackRe   = regexp.MustCompile(`^([+-]1)\s*(\S*)\s*$`)
	codeFileRe   = regexp.MustCompile(`\w+\.(py|md|yaml|json)`)
)

var codeHintWords = []string{"code", "fonction", "classe", "script", "bug", "erreur"}

// Think runs one full turn: command gate, intent detection, retrieval,
// mode selection, streaming generation, tool loop and the background
// post-processing dispatch. Tokens are forwarded to emit as they
// arrive, subject to the tool-reply suppression buffer.
func (o *Orchestrator) Think(ctx context.Context, in TurnInput, emit func(string)) string {
	done := o.stats.Observe("orchestrator.think")
	defer done(nil)

	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return ""
	}

	o.mu.Lock()
	o.messageTurn++
	turn := o.messageTurn
	sid := o.sessionID
	o.mu.Unlock()

	audit := logging.AuditWithContext(sid, logging.CategoryOrchestrator)
	audit.TurnStart(sid, turn, len(prompt))
	turnStart := time.Now()
	defer func() {
		audit.TurnEnd(sid, turn, time.Since(turnStart).Milliseconds(), true)
	}()

	// 1. Command gate.
	if handled, out := o.commandGate(ctx, prompt, emit); handled {
		return out
	}

	// 2. Forced web research.
	if in.SearchMode == SearchModeWeb {
		report := o.webResearch(ctx, prompt)
		emit(report)
		o.recordExchange(prompt, report)
		return report
	}

	// 3. Intent detection.
	intent := o.DetectIntent(ctx, prompt)
	audit.IntentParsed(string(intent.Subject), string(intent.Action), string(intent.Category))
	o.mu.Lock()
	o.lastIntent = intent
	o.mu.Unlock()

	// 4. Retrieval: vector memory with intent boost, then aggregation.
	rr := o.retrieval.VectorMemoryWithIntentBoost(ctx, intent,
		filepath.Join(o.root, "historique"), filepath.Join(o.root, "persistante"))
	o.ctxAgent.SetSessionHistory(o.sessionHistory(in.HistoryOverride))
	contextResult := o.ctxAgent.Build(ctx, intent, rr)
	if err := memory.AuditContext(contextResult); err != nil {
		logging.OrchestratorWarn("context audit: %v", err)
	}
	if override := o.currentAlertOverride(); override != "" {
		contextResult.ActiveRules = append([]types.Rule{
			types.NewRule(override, "ALERTE_active_protocol", "alert_override"),
		}, contextResult.ActiveRules...)
	}

	// 5-6. Code retrieval and active-file injection.
	chunks := o.collectCodeChunks(ctx, prompt)
	chunks = append(chunks, o.activeFileChunks()...)

	// 7. Mode selection, first match wins.
	req := o.selectMode(in, prompt, intent, contextResult, chunks)

	// 8. Build and stream.
	built := o.builder.Build(req)
	response, suppressed := o.streamWithToolDetection(ctx, built, emit)

	// 9. Tool loop.
	response = o.runToolLoop(ctx, prompt, contextResult, response, suppressed, emit)

	// 10. Post-processing, fire and forget.
	interaction := o.makeInteraction(prompt, response, built, intent, contextResult, turn)
	o.postWG.Add(1)
	go func() {
		defer o.postWG.Done()
		o.postProcess(context.Background(), interaction, contextResult)
	}()

	o.recordExchange(prompt, response)
	return response
}

// commandGate handles salutation, the alert trigger and feedback
// commands before any retrieval happens. It returns (true, output) when
// the turn was fully handled here.
func (o *Orchestrator) commandGate(ctx context.Context, prompt string, emit func(string)) (bool, string) {
	// Salutation: cold-start first-chat mode.
	if salutationRe.MatchString(prompt) {
		return true, o.firstChat(ctx, prompt, emit)
	}

	// Alert trigger anywhere, unless the line is a code marker.
	if strings.Contains(prompt, o.alertTrigger()) && !strings.HasPrefix(prompt, "#!") {
		return true, o.handleAlert(ctx, prompt, emit)
	}

	// +1 / -1 feedback.
	if m := feedbackRe.FindStringSubmatch(prompt); m != nil {
		score := 1.0
		if m[1] == "-1" {
			score = -1.0
		}
		keyword := m[2]
		o.mu.Lock()
		lastPrompt, lastResponse := lastPair(o.history)
		o.mu.Unlock()
		o.postWG.Add(1)
		go func() {
			defer o.postWG.Done()
			if err := o.reflexor.RecordFeedback(context.Background(), lastPrompt, lastResponse, score, keyword, o.cfg.FeedbackKeyword); err != nil {
				logging.OrchestratorWarn("feedback persistence failed: %v", err)
			}
		}()
		ack := "Feedback noted."
		if err := o.mem.JournalMessage("user", prompt, o.SessionID(), 0, map[string]any{"kind": "feedback_command"}); err != nil {
			logging.OrchestratorWarn("feedback journal failed: %v", err)
		}
		emit(ack)
		return true, ack
	}

	return false, ""
}

func lastPair(history []string) (string, string) {
	if len(history) >= 2 {
		return history[len(history)-2], history[len(history)-1]
	}
	return "", ""
}

func (o *Orchestrator) alertTrigger() string {
	if o.cfg.AlertTrigger == "" {
		return "!!!"
	}
	return o.cfg.AlertTrigger
}

// firstChat builds the cold-start prompt (heavy system_summary plus the
// last session's seeded history) and streams the generation.
func (o *Orchestrator) firstChat(ctx context.Context, prompt string, emit func(string)) string {
	o.mu.Lock()
	lastSession := append([]string(nil), o.history...)
	o.mu.Unlock()

	built := o.builder.BuildFirstChat(prompt, lastSession, types.SystemMaterials{})
	var out strings.Builder
	err := o.large.Stream(ctx, built, func(tok string) error {
		out.WriteString(tok)
		emit(tok)
		return nil
	})
	if err != nil {
		logging.OrchestratorWarn("first-chat stream failed: %v", err)
		emit(apologyMessage)
		o.recordExchange(prompt, apologyMessage)
		return apologyMessage
	}
	o.recordExchange(prompt, out.String())
	return out.String()
}

// handleAlert dispatches the reflexor asynchronously and answers the
// current turn with the Protocol prompt.
func (o *Orchestrator) handleAlert(ctx context.Context, prompt string, emit func(string)) string {
	o.mu.Lock()
	recent := append([]string(nil), o.history...)
	o.mu.Unlock()
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	o.postWG.Add(1)
	go func() {
		defer o.postWG.Done()
		if err := o.reflexor.Analyze(context.Background(), append(recent, prompt)); err != nil {
			logging.OrchestratorWarn("reflexor analysis failed: %v", err)
		}
	}()

	protocol := o.readAgentFile("protocole_alerte.md")
	if protocol == "" {
		protocol = "Alert protocol: acknowledge the flagged mistake, state what went wrong, and propose the immediate correction."
	}
	o.setAlertOverride(protocol)

	built := o.builder.Build(types.ProtocolRequest{
		Prompt: prompt, Protocol: protocol, History: recent,
	})
	var out strings.Builder
	err := o.large.Stream(ctx, built, func(tok string) error {
		out.WriteString(tok)
		emit(tok)
		return nil
	})
	if err != nil {
		logging.OrchestratorWarn("protocol stream failed: %v", err)
		emit(apologyMessage)
		o.recordExchange(prompt, apologyMessage)
		return apologyMessage
	}
	o.recordExchange(prompt, out.String())
	return out.String()
}

func (o *Orchestrator) setAlertOverride(protocol string) {
	o.mu.Lock()
	o.alertOverride = protocol
	o.mu.Unlock()
}

func (o *Orchestrator) currentAlertOverride() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alertOverride
}

// collectCodeChunks runs the code-graph RAG adapter when the prompt looks
// code-related.
func (o *Orchestrator) collectCodeChunks(ctx context.Context, prompt string) []types.CodeChunk {
	o.mu.Lock()
	rag := o.rag
	o.mu.Unlock()
	if rag == nil {
		return nil
	}
	lower := strings.ToLower(prompt)
	hinted := codeFileRe.MatchString(prompt)
	if !hinted {
		for _, w := range codeHintWords {
			if strings.Contains(lower, w) {
				hinted = true
				break
			}
		}
	}
	if !hinted {
		return nil
	}

	contexts := rag.ProvideContext(ctx, prompt, 8)
	chunks := make([]types.CodeChunk, 0, len(contexts))
	for _, cc := range contexts {
		content := cc.Content
		if content == "" {
			content = cc.Signature + "\n" + cc.Docstring
		}
		chunks = append(chunks, types.CodeChunk{
			Content: content, Path: cc.Module, Kind: types.ChunkSnippet, Language: "python",
		})
	}
	return chunks
}

// activeFileChunks re-reads every pinned path and attaches it as an
// active-file chunk.
func (o *Orchestrator) activeFileChunks() []types.CodeChunk {
	o.mu.Lock()
	paths := make([]string, 0, len(o.activeFiles))
	for p := range o.activeFiles {
		paths = append(paths, p)
	}
	o.mu.Unlock()

	var chunks []types.CodeChunk
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logging.OrchestratorWarn("active file %s unreadable: %v", p, err)
			continue
		}
		chunks = append(chunks, types.CodeChunk{
			Content: string(data), Path: p, Kind: types.ChunkActive, Language: languageForExt(filepath.Ext(p)),
		})
	}
	return chunks
}

func languageForExt(ext string) string {
	switch ext {
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".md":
		return "markdown"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}

// selectMode is the exhaustive prompt-variant selection, first match
// wins.
func (o *Orchestrator) selectMode(in TurnInput, prompt string, intent types.Intent, cr types.ContextResult, chunks []types.CodeChunk) types.PromptRequest {
	if in.SearchMode == SearchModeManualContext {
		return types.ManualContextCodeRequest{Prompt: prompt, Context: cr, ManualCode: in.ManualCode}
	}
	if mem, ok := findMemoryByKind(cr.MemoryContext, "project_cartography"); ok {
		return types.CartographyRequest{Prompt: prompt, Cartography: mem.ContentText, Plan: o.currentPlan()}
	}
	if mem, ok := findMemoryByKinds(cr.MemoryContext, "technical_file", "raw_file"); ok {
		switch intent.Category {
		case types.CategoryAnalyse, types.CategoryCode, types.CategoryAgent:
			return types.FileInspectionRequest{Prompt: prompt, File: mem, Plan: o.currentPlan()}
		}
	}
	if intent.Category == types.CategoryPlan && strings.Contains(strings.ToLower(prompt), "staging") {
		return types.StagingReviewRequest{Prompt: prompt, Staged: o.readAgentFile("system_summary.md"), Plan: o.currentPlan()}
	}
	if len(chunks) > 0 {
		return types.StandardCodeRequest{Prompt: prompt, Context: cr, CodeChunks: chunks}
	}
	return types.StandardRequest{Prompt: prompt, Context: cr}
}

func findMemoryByKind(memories []types.Memory, kind string) (types.Memory, bool) {
	for _, m := range memories {
		if m.KindText == kind {
			return m, true
		}
	}
	return types.Memory{}, false
}

func findMemoryByKinds(memories []types.Memory, kinds ...string) (types.Memory, bool) {
	for _, k := range kinds {
		if m, ok := findMemoryByKind(memories, k); ok {
			return m, true
		}
	}
	return types.Memory{}, false
}

func (o *Orchestrator) currentPlan() types.ExecutionPlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activePlan
}

func (o *Orchestrator) setPlan(p types.ExecutionPlan) {
	o.mu.Lock()
	o.activePlan = p
	o.mu.Unlock()
}

// toolDetectBufferSize is how many leading characters are held back to
// classify the reply as tool-call JSON vs natural language.
const toolDetectBufferSize = 50

// streamWithToolDetection streams the generation, buffering the first
// ~50 characters: if the reply starts with '{' or a ```json fence, the
// stream is suppressed (collected silently); otherwise the buffer is
// flushed and tokens forwarded live. Returns the full response and
// whether the client-visible stream was suppressed.
func (o *Orchestrator) streamWithToolDetection(ctx context.Context, built string, emit func(string)) (string, bool) {
	var full strings.Builder
	var buffer strings.Builder
	decided := false
	suppressed := false

	err := o.large.Stream(ctx, built, func(tok string) error {
		full.WriteString(tok)
		if decided {
			if !suppressed {
				emit(tok)
			}
			return nil
		}
		buffer.WriteString(tok)
		head := strings.TrimSpace(buffer.String())
		if head == "" {
			return nil
		}
		if strings.HasPrefix(head, "{") || strings.HasPrefix(head, "```json") {
			decided = true
			suppressed = true
			return nil
		}
		if buffer.Len() >= toolDetectBufferSize {
			decided = true
			emit(buffer.String())
		}
		return nil
	})
	if err != nil {
		logging.OrchestratorWarn("generation stream failed: %v", err)
		if full.Len() == 0 {
			emit(apologyMessage)
			return apologyMessage, false
		}
	}

	if !decided && !suppressed && buffer.Len() > 0 {
		// Short natural reply that never filled the buffer.
		emit(buffer.String())
	}
	return full.String(), suppressed
}

func (o *Orchestrator) sessionHistory(override []string) []string {
	if override != nil {
		return override
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.history...)
}

// recordExchange appends the prompt/response pair to the session
// history ring, bounded by max_history_session. The buffer is mutated
// only from the orchestrator.
func (o *Orchestrator) recordExchange(prompt, response string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, prompt, response)
	maxLen := o.cfg.MaxHistorySession * 2
	if maxLen > 0 && len(o.history) > maxLen {
		o.history = o.history[len(o.history)-maxLen:]
	}
}

func (o *Orchestrator) makeInteraction(prompt, response, system string, intent types.Intent, cr types.ContextResult, turn int) types.Interaction {
	o.mu.Lock()
	sid := o.sessionID
	o.mu.Unlock()
	return types.Interaction{
		Prompt:        prompt,
		Response:      response,
		System:        system,
		Intent:        types.ToIntentJSON(intent),
		MemoryContext: append([]types.Memory(nil), cr.MemoryContext...),
		Meta: types.InteractionMeta{
			ID:          uuid.NewString(),
			SessionID:   sid,
			MessageTurn: turn,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			SourceAgent: "Orchestrator",
			Kind:        "interaction",
			LenContent:  len(response),
			FreeData:    map[string]any{},
		},
	}
}

func (o *Orchestrator) readAgentFile(name string) string {
	data, err := os.ReadFile(filepath.Join(o.root, "agent", name))
	if err != nil {
		return ""
	}
	return string(data)
}

// webResearch runs the deep research loop, failing soft to an apology
// report when no researcher is wired.
func (o *Orchestrator) webResearch(ctx context.Context, objective string) string {
	if o.research == nil {
		return "Web research is not available in this configuration."
	}
	return o.research.Run(ctx, objective)
}
