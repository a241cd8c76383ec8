package types

// InteractionMeta is the metadata block of a persisted Interaction. Field
// names are authoritative for on-disk JSON: enum values are
// persisted as uppercase strings.
type InteractionMeta struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	MessageTurn    int            `json:"message_turn"`
	Timestamp      string         `json:"timestamp"`
	SourceAgent    string         `json:"source_agent"`
	Kind           string         `json:"kind"`
	FilesConsulted []string       `json:"files_consulted"`
	JudgeValid     bool           `json:"judge_valid"`
	QualityScore   float64        `json:"quality_score"`
	Details        string         `json:"details"`
	LenContent     int            `json:"len_content"`
	FreeData       map[string]any `json:"free_data"`
}

// Interaction is the canonical persisted record: every turn's prompt,
// response, system prompt, classified intent, attached memory and
// metadata. An Interaction exclusively owns its Meta, Intent and attached
// memory copies.
type Interaction struct {
	Prompt        string           `json:"prompt"`
	Response      string           `json:"response"`
	System        string           `json:"system"`
	Intent        IntentJSON       `json:"intent"`
	MemoryContext []Memory         `json:"memory_context"`
	Meta          InteractionMeta  `json:"meta"`
}

// IntentJSON mirrors Intent with uppercase-string enum fields, matching
// the on-disk persisted shape.
type IntentJSON struct {
	Prompt   string `json:"prompt"`
	Subject  string `json:"subject"`
	Action   string `json:"action"`
	Category string `json:"category"`
}

// ToIntentJSON converts a runtime Intent to its persisted uppercase form.
func ToIntentJSON(i Intent) IntentJSON {
	return IntentJSON{
		Prompt:   i.Prompt,
		Subject:  string(i.Subject),
		Action:   string(i.Action),
		Category: string(i.Category),
	}
}

// FromIntentJSON recovers a runtime Intent from its persisted form.
func FromIntentJSON(j IntentJSON) Intent {
	return Intent{
		Prompt:   j.Prompt,
		Subject:  SubjectEnum(j.Subject),
		Action:   ActionEnum(j.Action),
		Category: CategoryEnum(j.Category),
	}
}
