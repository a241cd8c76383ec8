package orchestrator

import (
	"context"

	"cognitron/internal/jsonrepair"
	"cognitron/internal/logging"
	"cognitron/internal/types"
)

const classifierInstruction = `Classify the user prompt below. Return strict JSON only:
{"subject": one of CODE|MEMORY|PROJECT|WEB|UNKNOWN, "action": one of CREATE|FIX|EXPLAIN|PLAN|SEARCH|UNKNOWN, "category": one of ANALYSE|CODE|AGENT|PLAN|GENERAL}

Prompt:
`

// DetectIntent asks the small model for a classification verdict and
// maps the free-text fields onto the declared enums, case-insensitive
// and accent-folded; any failure falls back to Unknown/General so the
// turn never blocks on the classifier.
func (o *Orchestrator) DetectIntent(ctx context.Context, prompt string) types.Intent {
	done := o.stats.Observe("orchestrator.detect_intent")

	fallback := types.Intent{
		Prompt:   prompt,
		Subject:  types.SubjectUnknown,
		Action:   types.ActionUnknown,
		Category: types.CategoryGeneral,
	}
	if o.small == nil {
		done(nil)
		return fallback
	}

	result := o.small.Generate(ctx, classifierInstruction+prompt)
	if result.Err != nil {
		logging.OrchestratorWarn("intent classification failed: %v", result.Err)
		done(result.Err)
		return fallback
	}
	parsed, ok := jsonrepair.Extract(result.Response)
	if !ok {
		logging.OrchestratorWarn("intent classification returned unparseable output")
		done(nil)
		return fallback
	}
	done(nil)

	return types.Intent{
		Prompt:   prompt,
		Subject:  types.MatchSubject(asString(parsed["subject"])),
		Action:   types.MatchAction(asString(parsed["action"])),
		Category: types.MatchCategory(asString(parsed["category"])),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
