package memory

import (
	"fmt"

	"cognitron/internal/types"
)

// Audit is the schema auditor at every persistence boundary:
// every outgoing atom and every persisted Interaction passes through it.
// A violation is logged (by the caller) but never blocks persistence —
// a violation logs a warning; persistence still attempts; a
// structured violation line is appended to a runtime violations journal."
func Audit(interaction types.Interaction) error {
	if interaction.Meta.ID == "" {
		return fmt.Errorf("schema: interaction missing meta.id")
	}
	if interaction.Meta.SessionID == "" {
		return fmt.Errorf("schema: interaction %s missing meta.session_id", interaction.Meta.ID)
	}
	if interaction.Meta.Timestamp == "" {
		return fmt.Errorf("schema: interaction %s missing meta.timestamp", interaction.Meta.ID)
	}
	if interaction.Prompt == "" && interaction.Response == "" {
		return fmt.Errorf("schema: interaction %s has neither prompt nor response", interaction.Meta.ID)
	}
	return nil
}

// AuditContext validates the non-emptiness invariant of ContextResult.
// internal/orchestrator calls this after the context agent assembles a
// result and before handing it to the prompt builder.
func AuditContext(c types.ContextResult) error {
	return c.Validate()
}
