// Package promptbuilder renders a tagged PromptRequest variant into a
// ChatML string, with field-usage tracking and the section formatters
// shared across every variant.
package promptbuilder

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cognitron/internal/logging"
	"cognitron/internal/types"
)

// Assets holds the paths of the three on-disk system materials; the
// alert-protocol document is not among them (the orchestrator reads it
// itself). ToolInstructions is mandatory: its absence is fatal at
// startup.
type Assets struct {
	UserProfilePath      string
	SystemSummaryPath    string
	ToolInstructionsPath string
}

// Builder renders PromptRequest variants into ChatML strings.
type Builder struct {
	assets Assets

	// Viewer, when non-nil, receives every built prompt for external
	// inspection.
	Viewer *LastPromptCache
}

// New loads and validates the required on-disk assets. It returns an
// error if tool_instructions is missing.
func New(assets Assets) (*Builder, error) {
	if _, err := os.Stat(assets.ToolInstructionsPath); err != nil {
		return nil, fmt.Errorf("promptbuilder: required tool_instructions asset missing at %s: %w", assets.ToolInstructionsPath, err)
	}
	return &Builder{assets: assets}, nil
}

func readOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logging.PromptWarn("could not read asset %s: %v", path, err)
		return ""
	}
	return string(data)
}

func (b *Builder) materials(m types.SystemMaterials) types.SystemMaterials {
	out := m
	if out.UserProfile == "" {
		out.UserProfile = readOrEmpty(b.assets.UserProfilePath)
	}
	if out.SystemSummary == "" {
		out.SystemSummary = readOrEmpty(b.assets.SystemSummaryPath)
	}
	out.ToolInstructions = readOrEmpty(b.assets.ToolInstructionsPath)
	return out
}

// fieldTracker wraps a request's scalar/slice fields and records reads,
// so Build can report unread fields as a warning after assembly.
type fieldTracker struct {
	variant string
	all     map[string]bool // field -> read
}

func newFieldTracker(variant string, fields ...string) *fieldTracker {
	all := make(map[string]bool, len(fields))
	for _, f := range fields {
		all[f] = false
	}
	return &fieldTracker{variant: variant, all: all}
}

func (t *fieldTracker) read(field string) {
	t.all[field] = true
}

func (t *fieldTracker) reportUnread() {
	var unread []string
	for field, used := range t.all {
		if !used {
			unread = append(unread, field)
		}
	}
	if len(unread) > 0 {
		logging.PromptWarn("variant %s: unread fields %v", t.variant, unread)
	}
}

// Build dispatches on the request's concrete type and renders its
// ChatML string.
func (b *Builder) Build(req types.PromptRequest) string {
	out := b.dispatch(req)
	if b.Viewer != nil && req != nil {
		b.Viewer.Set(req.VariantName(), out)
	}
	return out
}

func (b *Builder) dispatch(req types.PromptRequest) string {
	switch r := req.(type) {
	case types.StandardRequest:
		return b.buildStandard(r)
	case types.StandardCodeRequest:
		return b.buildStandardCode(r)
	case types.ManualContextCodeRequest:
		return b.buildManualContextCode(r)
	case types.NewChatRequest:
		return b.buildNewChat(r)
	case types.MemorySearchFirstRequest:
		return b.buildMemorySearchFirst(r)
	case types.MemorySearchRequest:
		return b.buildMemorySearch(r)
	case types.CartographyRequest:
		return b.buildCartography(r)
	case types.FileInspectionRequest:
		return b.buildFileInspection(r)
	case types.StagingReviewRequest:
		return b.buildStagingReview(r)
	case types.WebSearchRequest:
		return b.buildWebSearch(r)
	case types.ProtocolRequest:
		return b.buildProtocol(r)
	default:
		logging.PromptWarn("unknown prompt request variant %T", req)
		return ""
	}
}

// BuildFirstChat is the distinct cold-start entry that heavily injects
// system_summary and the last session's history.
func (b *Builder) BuildFirstChat(prompt string, lastSession []string, materials types.SystemMaterials) string {
	return b.buildNewChat(types.NewChatRequest{Materials: materials, Prompt: prompt, LastSession: lastSession})
}

// ---- ChatML assembly -----------------------------------------------------

func chatML(variant, system, user string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#! PROMPT_TYPE: %s\n", variant)
	b.WriteString("<|im_start|>system\n")
	b.WriteString(system)
	b.WriteString("\n<|im_end|>\n<|im_start|>user\n")
	b.WriteString(user)
	b.WriteString("\n<|im_end|>\n<|im_start|>assistant\n")
	return b.String()
}

func systemSection(m types.SystemMaterials, sections ...string) string {
	var b strings.Builder
	b.WriteString(m.UserProfile)
	b.WriteString("\n\n")
	b.WriteString(m.SystemSummary)
	b.WriteString("\n\n")
	b.WriteString(m.ToolInstructions)
	for _, s := range sections {
		if s == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	return b.String()
}

// ---- Section formatters ---------------------------------------------------

func formatRules(rules []types.Rule) string {
	if len(rules) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Active rules\n")
	for _, r := range rules {
		prefix := "⚠️ Rule"
		if strings.Contains(r.TitleText, "ALERTE") {
			prefix = "🚨 ALERT"
		}
		fmt.Fprintf(&b, "%s [%s]: %s\n", prefix, r.TitleText, r.ContentText)
	}
	return b.String()
}

func formatMemories(memories []types.Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant memories\n")
	b.WriteString("These are summaries, not transcripts; call memory_search if more detail is required.\n")
	for _, m := range memories {
		var doc struct {
			Timestamp string `json:"timestamp"`
			Prompt    string `json:"prompt"`
			Response  string `json:"response"`
		}
		if json.Unmarshal([]byte(m.ContentText), &doc) == nil && doc.Prompt != "" {
			fmt.Fprintf(&b, "- (score %.2f) [%s] %s -> %s\n", m.ScoreValue, doc.Timestamp, doc.Prompt, doc.Response)
		} else {
			fmt.Fprintf(&b, "- (score %.2f) %s\n", m.ScoreValue, m.ContentText)
		}
	}
	return b.String()
}

// formatHistory pairs consecutive strings as User/Assistant, dropping a
// trailing orphan user message (the current prompt, handled separately).
func formatHistory(history []string) string {
	if len(history) == 0 {
		return ""
	}
	n := len(history)
	if n%2 != 0 {
		n--
	}
	if n == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Conversation history\n")
	for i := 0; i < n; i += 2 {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", history[i], history[i+1])
	}
	return b.String()
}

func formatCodeChunks(chunks []types.CodeChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Code context\n")
	b.WriteString("These are previews; call read_file before proposing an edit.\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "### %s\n```%s\n%s\n```\n", c.Path, c.Language, c.Content)
	}
	return b.String()
}

func formatReadmes(readmes []types.ReadmeFile) string {
	if len(readmes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Documentation\n")
	for _, r := range readmes {
		label := r.Path
		if label == "" {
			label = r.TitleText
		}
		fmt.Fprintf(&b, "### %s\n%s\n", label, r.ContentText)
	}
	return b.String()
}

func formatTechDocs(docs []types.TechDoc) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Technical references\n")
	for _, d := range docs {
		label := d.SourceURL
		if label == "" {
			label = d.Title
		}
		fmt.Fprintf(&b, "### %s\n%s\n", label, d.Content)
	}
	return b.String()
}

// ---- Per-variant builders --------------------------------------------------

func (b *Builder) buildStandard(r types.StandardRequest) string {
	t := newFieldTracker("Standard", "prompt", "context", "techdocs")
	t.read("prompt")
	t.read("context")
	t.read("techdocs")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	sys := systemSection(m,
		formatRules(r.Context.ActiveRules),
		formatReadmes(r.Context.Readmes),
		formatTechDocs(r.TechDocs),
		formatMemories(r.Context.MemoryContext),
		formatHistory(r.Context.History),
	)
	return chatML("Standard", sys, r.Prompt)
}

func (b *Builder) buildStandardCode(r types.StandardCodeRequest) string {
	t := newFieldTracker("StandardCode", "prompt", "context", "codechunks")
	t.read("prompt")
	t.read("context")
	t.read("codechunks")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	// contexte_memoire is intentionally omitted in code mode.
	sys := systemSection(m,
		formatRules(r.Context.ActiveRules),
		formatReadmes(r.Context.Readmes),
		formatCodeChunks(r.CodeChunks),
		formatHistory(r.Context.History),
	)
	return chatML("StandardCode", sys, r.Prompt)
}

func (b *Builder) buildManualContextCode(r types.ManualContextCodeRequest) string {
	t := newFieldTracker("ManualContextCode", "prompt", "context", "manualcode")
	t.read("prompt")
	t.read("context")
	t.read("manualcode")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	codeSection := ""
	if r.ManualCode != "" {
		codeSection = "## Supplied code\n```\n" + r.ManualCode + "\n```\n"
	}
	sys := systemSection(m,
		formatRules(r.Context.ActiveRules),
		formatReadmes(r.Context.Readmes),
		codeSection,
		formatHistory(r.Context.History),
	)
	return chatML("ManualContextCode", sys, r.Prompt)
}

func (b *Builder) buildNewChat(r types.NewChatRequest) string {
	t := newFieldTracker("NewChat", "prompt", "lastsession")
	t.read("prompt")
	t.read("lastsession")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	sys := systemSection(m, formatHistory(r.LastSession))
	return chatML("NewChat", sys, r.Prompt)
}

func (b *Builder) buildMemorySearchFirst(r types.MemorySearchFirstRequest) string {
	t := newFieldTracker("MemorySearchFirst", "prompt", "context", "found")
	t.read("prompt")
	t.read("context")
	t.read("found")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	sys := systemSection(m,
		formatRules(r.Context.ActiveRules),
		formatMemories(r.Found),
	)
	return chatML("MemorySearchFirst", sys, r.Prompt)
}

func (b *Builder) buildMemorySearch(r types.MemorySearchRequest) string {
	t := newFieldTracker("MemorySearch", "prompt", "context", "found", "plan")
	t.read("prompt")
	t.read("context")
	t.read("found")
	t.read("plan")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	planSection := formatPlan(r.Plan)
	sys := systemSection(m,
		formatRules(r.Context.ActiveRules),
		formatMemories(r.Found),
		planSection,
	)
	return chatML("MemorySearch", sys, r.Prompt)
}

func (b *Builder) buildCartography(r types.CartographyRequest) string {
	t := newFieldTracker("Cartography", "prompt", "cartography", "plan")
	t.read("prompt")
	t.read("cartography")
	t.read("plan")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	sys := systemSection(m, "## Project map\n"+r.Cartography, formatPlan(r.Plan))
	return chatML("Cartography", sys, r.Prompt)
}

func (b *Builder) buildFileInspection(r types.FileInspectionRequest) string {
	t := newFieldTracker("FileInspection", "prompt", "file", "plan")
	t.read("prompt")
	t.read("file")
	t.read("plan")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	fileSection := fmt.Sprintf("## File under inspection: %s\n%s\n", r.File.TitleText, r.File.ContentText)
	sys := systemSection(m, fileSection, formatPlan(r.Plan))
	return chatML("FileInspection", sys, r.Prompt)
}

func (b *Builder) buildStagingReview(r types.StagingReviewRequest) string {
	t := newFieldTracker("StagingReview", "prompt", "staged", "plan")
	t.read("prompt")
	t.read("staged")
	t.read("plan")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	sys := systemSection(m, "## Staged content for review\n"+r.Staged, formatPlan(r.Plan))
	return chatML("StagingReview", sys, r.Prompt)
}

func (b *Builder) buildWebSearch(r types.WebSearchRequest) string {
	t := newFieldTracker("WebSearch", "prompt", "report")
	t.read("prompt")
	t.read("report")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	sys := systemSection(m, "## Research report\n"+r.Report)
	return chatML("WebSearch", sys, r.Prompt)
}

func (b *Builder) buildProtocol(r types.ProtocolRequest) string {
	t := newFieldTracker("Protocol", "prompt", "protocol", "history")
	t.read("prompt")
	t.read("protocol")
	t.read("history")
	defer t.reportUnread()

	m := b.materials(r.Materials)
	sys := systemSection(m, "## Alert protocol\n"+r.Protocol, formatHistory(r.History))
	return chatML("Protocol", sys, r.Prompt)
}

func formatPlan(p types.ExecutionPlan) string {
	if p.GlobalObjective == "" && len(p.Steps) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Execution plan\n")
	if p.GlobalObjective != "" {
		fmt.Fprintf(&b, "Objective: %s\n", p.GlobalObjective)
	}
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}
