package types

// PromptRequest is a tagged union: one variant per prompt-builder mode.
// Each variant lists exactly the inputs the builder requires for that
// mode; dispatch happens via a type switch in internal/promptbuilder.
type PromptRequest interface {
	VariantName() string
	isPromptRequest()
}

// UserProfile/SystemSummary/ToolInstructions are the three named system
// variables every variant's system section substitutes.
type SystemMaterials struct {
	UserProfile      string
	SystemSummary    string
	ToolInstructions string
}

// StandardRequest is the default conversational mode: rules, memories,
// readmes, optional technical documentation and history, no code.
type StandardRequest struct {
	Materials SystemMaterials
	Prompt    string
	Context   ContextResult
	TechDocs  []TechDoc
}

func (StandardRequest) VariantName() string { return "Standard" }
func (StandardRequest) isPromptRequest()     {}

// StandardCodeRequest is Standard plus code chunks; it omits the memory
// context section entirely (code mode uses code chunks only).
type StandardCodeRequest struct {
	Materials  SystemMaterials
	Prompt     string
	Context    ContextResult
	CodeChunks []CodeChunk
}

func (StandardCodeRequest) VariantName() string { return "StandardCode" }
func (StandardCodeRequest) isPromptRequest()     {}

// ManualContextCodeRequest carries user-supplied code verbatim instead of
// retrieved chunks.
type ManualContextCodeRequest struct {
	Materials  SystemMaterials
	Prompt     string
	Context    ContextResult
	ManualCode string
}

func (ManualContextCodeRequest) VariantName() string { return "ManualContextCode" }
func (ManualContextCodeRequest) isPromptRequest()     {}

// NewChatRequest is the cold-start variant: heavy system_summary plus the
// last session's history, which the orchestrator loads at boot.
type NewChatRequest struct {
	Materials      SystemMaterials
	Prompt         string
	LastSession    []string
}

func (NewChatRequest) VariantName() string { return "NewChat" }
func (NewChatRequest) isPromptRequest()     {}

// MemorySearchFirstRequest is the tool-loop's plan-building prompt, used
// right after the first memory_search tool call.
type MemorySearchFirstRequest struct {
	Materials SystemMaterials
	Prompt    string
	Context   ContextResult
	Found     []Memory
}

func (MemorySearchFirstRequest) VariantName() string { return "MemorySearchFirst" }
func (MemorySearchFirstRequest) isPromptRequest()     {}

// MemorySearchRequest is used for subsequent tool-loop steps, carrying the
// active ExecutionPlan.
type MemorySearchRequest struct {
	Materials SystemMaterials
	Prompt    string
	Context   ContextResult
	Found     []Memory
	Plan      ExecutionPlan
}

func (MemorySearchRequest) VariantName() string { return "MemorySearch" }
func (MemorySearchRequest) isPromptRequest()     {}

// CartographyRequest renders the project map for navigation prompts.
type CartographyRequest struct {
	Materials   SystemMaterials
	Prompt      string
	Cartography string
	Plan        ExecutionPlan
}

func (CartographyRequest) VariantName() string { return "Cartography" }
func (CartographyRequest) isPromptRequest()     {}

// FileInspectionRequest renders a technical_file/raw_file memory atom for
// focused inspection.
type FileInspectionRequest struct {
	Materials SystemMaterials
	Prompt    string
	File      Memory
	Plan      ExecutionPlan
}

func (FileInspectionRequest) VariantName() string { return "FileInspection" }
func (FileInspectionRequest) isPromptRequest()     {}

// StagingReviewRequest asks the model to review staged content written by
// the update_system_summary tool.
type StagingReviewRequest struct {
	Materials SystemMaterials
	Prompt    string
	Staged    string
	Plan      ExecutionPlan
}

func (StagingReviewRequest) VariantName() string { return "StagingReview" }
func (StagingReviewRequest) isPromptRequest()     {}

// WebSearchRequest wraps a deep-research report for presentation.
type WebSearchRequest struct {
	Materials SystemMaterials
	Prompt    string
	Report    string
}

func (WebSearchRequest) VariantName() string { return "WebSearch" }
func (WebSearchRequest) isPromptRequest()     {}

// ProtocolRequest is built when the `!!!` alert command fires: it injects
// the on-disk alert protocol plus the last N history lines.
type ProtocolRequest struct {
	Materials SystemMaterials
	Prompt    string
	Protocol  string
	History   []string
}

func (ProtocolRequest) VariantName() string { return "Protocol" }
func (ProtocolRequest) isPromptRequest()     {}
