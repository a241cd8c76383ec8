// Package logging: audit logging that outputs Mangle-queryable facts. Audit
// events are structured records that internal/codegraph's Mangle engine can
// ingest as facts for declarative querying (e.g. "how many judge rejections
// happened this session").
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event (maps to a Mangle predicate).
type AuditEventType string

const (
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	AuditFileRead   AuditEventType = "file_read"
	AuditFileWrite  AuditEventType = "file_write"
	AuditFileDelete AuditEventType = "file_delete"
	AuditFileError  AuditEventType = "file_error"

	AuditSessionStart AuditEventType = "session_start"
	AuditSessionEnd   AuditEventType = "session_end"
	AuditTurnStart    AuditEventType = "turn_start"
	AuditTurnEnd      AuditEventType = "turn_end"

	AuditIntentParsed AuditEventType = "intent_parsed"

	AuditMemoryStore  AuditEventType = "memory_store"
	AuditMemoryRecall AuditEventType = "memory_recall"

	AuditRetrieval AuditEventType = "retrieval"

	AuditJudgeApriori   AuditEventType = "judge_apriori"
	AuditJudgePosterior AuditEventType = "judge_posterior"

	AuditToolInvoke   AuditEventType = "tool_invoke"
	AuditToolComplete AuditEventType = "tool_complete"
	AuditToolError    AuditEventType = "tool_error"

	AuditPerfMetric AuditEventType = "perf_metric"
	AuditPerfSlow   AuditEventType = "perf_slow"

	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
	AuditErrorRecovery AuditEventType = "error_recovery"

	AuditReflexorIncident AuditEventType = "reflexor_incident"
	AuditReflexorRule     AuditEventType = "reflexor_rule_mined"

	AuditConsolidatorRun AuditEventType = "consolidator_run"

	AuditCodeGraphScan AuditEventType = "codegraph_scan"
)

// AuditEvent is a structured audit log entry, serialized as one JSON line
// plus a pre-formatted Mangle fact string for downstream ingestion.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat"`
	SessionID  string                 `json:"session"`
	RequestID  string                 `json:"req"`
	Target     string                 `json:"target"`
	Action     string                 `json:"action"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms"`
	Error      string                 `json:"error"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields"`
	MangleFact string                 `json:"mangle"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging with Mangle fact generation.
type AuditLogger struct {
	sessionID string
	category  Category
}

// InitAudit initializes the audit logging system.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: Mangle-queryable structured events\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global, unscoped audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession creates an audit logger scoped to a session.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// AuditWithContext creates a fully-scoped audit logger.
func AuditWithContext(sessionID string, category Category) *AuditLogger {
	return &AuditLogger{sessionID: sessionID, category: category}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" && a.sessionID != "" {
		event.SessionID = a.sessionID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	event.MangleFact = generateMangleFact(event)

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// generateMangleFact creates a Mangle-compatible fact string from an event.
func generateMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditLLMRequest, AuditLLMResponse, AuditLLMError:
		tokens := 0
		if t, ok := e.Fields["tokens"].(int); ok {
			tokens = t
		}
		return fmt.Sprintf("llm_call(%d, /%s, \"%s\", %v, %d, %d).",
			e.Timestamp, e.EventType, e.Target, e.Success, e.DurationMs, tokens)

	case AuditFileRead, AuditFileWrite, AuditFileDelete, AuditFileError:
		size := int64(0)
		if s, ok := e.Fields["size"].(int64); ok {
			size = s
		}
		return fmt.Sprintf("file_op(%d, /%s, \"%s\", %v, %d).",
			e.Timestamp, e.EventType, e.Target, e.Success, size)

	case AuditIntentParsed:
		return fmt.Sprintf("intent_parsed(%d, \"%s\", \"%s\", \"%s\").",
			e.Timestamp, e.Fields["subject"], e.Fields["action"], e.Fields["category"])

	case AuditMemoryStore, AuditMemoryRecall:
		return fmt.Sprintf("memory_op(%d, /%s, \"%s\", %v).",
			e.Timestamp, e.EventType, e.Target, e.Success)

	case AuditRetrieval:
		count := 0
		if c, ok := e.Fields["count"].(int); ok {
			count = c
		}
		return fmt.Sprintf("retrieval(%d, \"%s\", %d, %d).",
			e.Timestamp, e.SessionID, count, e.DurationMs)

	case AuditJudgeApriori, AuditJudgePosterior:
		score := 0.0
		if s, ok := e.Fields["score"].(float64); ok {
			score = s
		}
		return fmt.Sprintf("judge_verdict(%d, /%s, %v, %.3f).",
			e.Timestamp, e.EventType, e.Success, score)

	case AuditToolInvoke, AuditToolComplete, AuditToolError:
		return fmt.Sprintf("tool_exec(%d, /%s, \"%s\", \"%s\", %v, %d).",
			e.Timestamp, e.EventType, e.Target, e.Action, e.Success, e.DurationMs)

	case AuditPerfMetric, AuditPerfSlow:
		return fmt.Sprintf("perf_metric(%d, \"%s\", \"%s\", %d).",
			e.Timestamp, e.Category, e.Action, e.DurationMs)

	case AuditErrorGeneric, AuditErrorCritical, AuditErrorRecovery:
		return fmt.Sprintf("error_event(%d, /%s, \"%s\", \"%s\").",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Error))

	case AuditSessionStart, AuditSessionEnd, AuditTurnStart, AuditTurnEnd:
		return fmt.Sprintf("session_event(%d, /%s, \"%s\").",
			e.Timestamp, e.EventType, e.SessionID)

	case AuditReflexorIncident, AuditReflexorRule:
		return fmt.Sprintf("reflexor_event(%d, /%s, \"%s\", %v).",
			e.Timestamp, e.EventType, e.Target, e.Success)

	case AuditConsolidatorRun:
		return fmt.Sprintf("consolidator_run(%d, \"%s\", %v, %d).",
			e.Timestamp, e.Target, e.Success, e.DurationMs)

	case AuditCodeGraphScan:
		return fmt.Sprintf("codegraph_scan(%d, \"%s\", %v, %d).",
			e.Timestamp, e.Target, e.Success, e.DurationMs)

	default:
		return fmt.Sprintf("audit_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Message), e.Success)
	}
}

// escapeString escapes quotes and backslashes for Mangle string literals.
func escapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/10)

	for _, c := range s {
		switch c {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// LLMCall logs an LLM completion call.
func (a *AuditLogger) LLMCall(model string, tokens int, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditLLMResponse,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"tokens": tokens},
		Message:    fmt.Sprintf("LLM call: %s -> %d tokens (%dms, success=%v)", model, tokens, durationMs, success),
	})
}

// FileOp logs a file operation performed by the memory layer.
func (a *AuditLogger) FileOp(op AuditEventType, path string, size int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: op,
		Target:    path,
		Success:   success,
		Error:     errMsg,
		Fields:    map[string]interface{}{"size": size},
		Message:   fmt.Sprintf("File %s: %s (%d bytes, success=%v)", op, path, size, success),
	})
}

// IntentParsed logs a classified intent.
func (a *AuditLogger) IntentParsed(subject, action, category string) {
	a.Log(AuditEvent{
		EventType: AuditIntentParsed,
		Success:   true,
		Fields: map[string]interface{}{
			"subject":  subject,
			"action":   action,
			"category": category,
		},
		Message: fmt.Sprintf("Intent: %s/%s/%s", subject, action, category),
	})
}

// MemoryOp logs a memory store/recall event.
func (a *AuditLogger) MemoryOp(op AuditEventType, kind string, success bool) {
	a.Log(AuditEvent{
		EventType: op,
		Target:    kind,
		Success:   success,
		Message:   fmt.Sprintf("Memory %s: %s (success=%v)", op, kind, success),
	})
}

// Retrieval logs one retrieval aggregation pass.
func (a *AuditLogger) Retrieval(count int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditRetrieval,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"count": count},
		Message:    fmt.Sprintf("Retrieval: %d atoms (%dms)", count, durationMs),
	})
}

// JudgeVerdict logs an a-priori or a-posteriori judge verdict.
func (a *AuditLogger) JudgeVerdict(eventType AuditEventType, score float64, valid bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		Success:   valid,
		Fields:    map[string]interface{}{"score": score},
		Message:   fmt.Sprintf("Judge %s: score=%.3f valid=%v", eventType, score, valid),
	})
}

// ToolExec logs one tool-loop tool execution.
func (a *AuditLogger) ToolExec(toolName string, action string, durationMs int64, success bool, errMsg string) {
	eventType := AuditToolComplete
	if !success {
		eventType = AuditToolError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     toolName,
		Action:     action,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Tool %s: %s (%dms, success=%v)", toolName, action, durationMs, success),
	})
}

// PerfMetric logs a performance metric, flagging it slow when over threshold.
func (a *AuditLogger) PerfMetric(operation string, durationMs int64, threshold int64) {
	eventType := AuditPerfMetric
	success := true
	if threshold > 0 && durationMs > threshold {
		eventType = AuditPerfSlow
		success = false
	}
	fields := map[string]interface{}{}
	if threshold > 0 {
		fields["threshold_ms"] = threshold
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Action:     operation,
		DurationMs: durationMs,
		Success:    success,
		Fields:     fields,
		Message:    fmt.Sprintf("Perf: %s took %dms (threshold=%dms)", operation, durationMs, threshold),
	})
}

// Error logs an error event.
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}

// SessionStart logs session start.
func (a *AuditLogger) SessionStart(sessionID string) {
	a.Log(AuditEvent{
		EventType: AuditSessionStart,
		SessionID: sessionID,
		Success:   true,
		Message:   fmt.Sprintf("Session started: %s", sessionID),
	})
}

// SessionEnd logs session end.
func (a *AuditLogger) SessionEnd(sessionID string, turnCount int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditSessionEnd,
		SessionID:  sessionID,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"turn_count": turnCount},
		Message:    fmt.Sprintf("Session ended: %s (%d turns, %dms)", sessionID, turnCount, durationMs),
	})
}

// TurnStart logs turn start.
func (a *AuditLogger) TurnStart(sessionID string, turnNum int, inputLen int) {
	a.Log(AuditEvent{
		EventType: AuditTurnStart,
		SessionID: sessionID,
		Success:   true,
		Fields:    map[string]interface{}{"turn": turnNum, "input_len": inputLen},
		Message:   fmt.Sprintf("Turn %d started (%d chars)", turnNum, inputLen),
	})
}

// TurnEnd logs turn end.
func (a *AuditLogger) TurnEnd(sessionID string, turnNum int, durationMs int64, success bool) {
	a.Log(AuditEvent{
		EventType:  AuditTurnEnd,
		SessionID:  sessionID,
		Success:    success,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"turn": turnNum},
		Message:    fmt.Sprintf("Turn %d ended (%dms, success=%v)", turnNum, durationMs, success),
	})
}

// ReflexorIncident logs an alert-triggered incident analysis.
func (a *AuditLogger) ReflexorIncident(ecartType string, success bool) {
	a.Log(AuditEvent{
		EventType: AuditReflexorIncident,
		Target:    ecartType,
		Success:   success,
		Message:   fmt.Sprintf("Reflexor incident: %s (success=%v)", ecartType, success),
	})
}

// ReflexorRuleMined logs a corrective rule produced from an incident.
func (a *AuditLogger) ReflexorRuleMined(title string) {
	a.Log(AuditEvent{
		EventType: AuditReflexorRule,
		Target:    title,
		Success:   true,
		Message:   fmt.Sprintf("Reflexor mined rule: %s", title),
	})
}

// ConsolidatorRun logs one consolidation worker pass over a session.
func (a *AuditLogger) ConsolidatorRun(sessionFile string, success bool, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditConsolidatorRun,
		Target:     sessionFile,
		Success:    success,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("Consolidator run: %s (success=%v, %dms)", sessionFile, success, durationMs),
	})
}

// CodeGraphScan logs one project scan/rebuild pass.
func (a *AuditLogger) CodeGraphScan(root string, success bool, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditCodeGraphScan,
		Target:     root,
		Success:    success,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("Codegraph scan: %s (success=%v, %dms)", root, success, durationMs),
	})
}
