package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"cognitron/internal/logging"
	"cognitron/internal/types"
)

// codePlaceholder replaces each extracted fence in the stored response
// so long-term history stays lean.
const codePlaceholder = "[… 💾 CODE EXTRACTED …]"

var fenceRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n(.*?)```")

// ExtractCodeBlocks pulls every fenced block out of a response,
// tagging each with its fence-info language (best effort, empty info
// string falls back to "text"), and returns the response with each
// fence replaced by the placeholder.
func ExtractCodeBlocks(response string) (string, []types.CodeArtifact) {
	var artifacts []types.CodeArtifact
	replaced := fenceRe.ReplaceAllStringFunc(response, func(match string) string {
		groups := fenceRe.FindStringSubmatch(match)
		lang := strings.ToLower(strings.TrimSpace(groups[1]))
		if lang == "" {
			lang = "text"
		}
		body := groups[2]
		if strings.TrimSpace(body) == "" {
			return match
		}
		sum := sha256.Sum256([]byte(body))
		artifacts = append(artifacts, types.CodeArtifact{
			Hash:      hex.EncodeToString(sum[:8]),
			Language:  lang,
			Content:   body,
			Timestamp: time.Now().Unix(),
			Kind:      "extracted_block",
		})
		return codePlaceholder
	})
	return replaced, artifacts
}

// nonDurableKinds lists the memory kinds whose content is purged before
// an Interaction is persisted: file contents are consulted, never
// re-stored.
var nonDurableKinds = map[string]bool{
	"technical_file": true,
	"raw_file":       true,
	"code":           true,
	"active_file":    true,
	"code_file":      true,
}

const purgedContentMarker = "[file consulted — not persisted]"

// purgeNonDurable replaces content of non-durable memory atoms.
func purgeNonDurable(memories []types.Memory) []types.Memory {
	out := make([]types.Memory, len(memories))
	for i, m := range memories {
		if nonDurableKinds[m.KindText] {
			m.ContentText = purgedContentMarker
		}
		out[i] = m
	}
	return out
}

// postProcess is the fire-and-forget per-turn worker: artifact
// extraction, the a-posteriori judge verdict, non-durable purging, the
// free_data snapshot and the canonical persistence call.
func (o *Orchestrator) postProcess(ctx context.Context, interaction types.Interaction, cr types.ContextResult) {
	done := o.stats.Observe("orchestrator.post_process")
	defer done(nil)

	leanResponse, artifacts := ExtractCodeBlocks(interaction.Response)
	if len(artifacts) > 0 {
		if _, err := o.mem.SaveCodeArtifacts(artifacts); err != nil {
			logging.OrchestratorWarn("code artifact archiving failed: %v", err)
		}
		interaction.Response = leanResponse
	}

	if o.judge != nil {
		ragContext := contextText(cr)
		verdict := o.judge.Coherence(ctx, ragContext, interaction.Prompt, interaction.Response)
		interaction.Meta.JudgeValid = verdict.Valid
		interaction.Meta.QualityScore = verdict.Score
		interaction.Meta.Details = verdict.Reason
	}

	interaction.MemoryContext = purgeNonDurable(interaction.MemoryContext)

	ruleTitles := make([]string, 0, len(cr.ActiveRules))
	for _, r := range cr.ActiveRules {
		ruleTitles = append(ruleTitles, r.TitleText)
	}
	readmeTitles := make([]string, 0, len(cr.Readmes))
	files := make([]string, 0, len(cr.Readmes))
	for _, r := range cr.Readmes {
		readmeTitles = append(readmeTitles, r.TitleText)
		if r.Path != "" {
			files = append(files, r.Path)
		}
	}
	if interaction.Meta.FreeData == nil {
		interaction.Meta.FreeData = map[string]any{}
	}
	interaction.Meta.FreeData["rules"] = ruleTitles
	interaction.Meta.FreeData["readmes"] = readmeTitles
	interaction.Meta.FilesConsulted = files

	if _, err := o.mem.SaveInteraction(ctx, interaction); err != nil {
		logging.OrchestratorError("interaction persistence failed: %v", err)
	}
}

// contextText flattens the turn's retrieval context into the text the
// judge evaluates the response against.
func contextText(cr types.ContextResult) string {
	var b strings.Builder
	for _, m := range cr.MemoryContext {
		b.WriteString(m.ContentText)
		b.WriteString("\n")
	}
	for _, r := range cr.Readmes {
		b.WriteString(r.ContentText)
		b.WriteString("\n")
	}
	return b.String()
}
