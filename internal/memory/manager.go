// Package memory is the single writer for every persistent
// artefact the cognitive runtime produces — the layered persistence
// (L0 raw journal, L1 per-turn JSON, L2 vector, L3 inverted index), rule
// vectorisation, reflexive journalling and code-artefact archiving.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cognitron/internal/fulltext"
	"cognitron/internal/logging"
	"cognitron/internal/types"
	"cognitron/internal/vectorstore"
)

// ExtensionForKind resolves a code-artefact kind to a file extension,
// falling back to "txt".
func ExtensionForKind(extByKind map[string]string, kind string) string {
	if ext, ok := extByKind[kind]; ok && ext != "" {
		return ext
	}
	return "txt"
}

// Manager is the canonical write path. It owns the vector store pair
// (narrative + legislative), the inverted index, and the on-disk root
// layout (brute/, historique/, persistante/, reflexive/, regles/, code/).
type Manager struct {
	root string

	vectors  *vectorstore.Pair
	fulltext *fulltext.Index

	brutMu sync.Mutex

	extByKind    map[string]string
	artifactsDir string
}

// New builds a Manager rooted at root, wiring the already-opened vector
// store pair and inverted index (both owned by the caller/wiring code).
func New(root string, vectors *vectorstore.Pair, ft *fulltext.Index, extByKind map[string]string, artifactsDir string) *Manager {
	if artifactsDir == "" {
		artifactsDir = "code/code_extraits"
	}
	return &Manager{root: root, vectors: vectors, fulltext: ft, extByKind: extByKind, artifactsDir: artifactsDir}
}

func (m *Manager) path(parts ...string) string {
	return filepath.Join(append([]string{m.root}, parts...)...)
}

// brutePath returns today's raw journal file path.
func (m *Manager) brutePath(now time.Time) string {
	day := now.UTC().Format("2006-01-02")
	return m.path("brute", fmt.Sprintf("interactions_%s.jsonl", day))
}

// writeBrute appends one JSONL line, flushing and fsyncing before return
func (m *Manager) writeBrute(record any) error {
	m.brutMu.Lock()
	defer m.brutMu.Unlock()

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("memory: brute encode: %w", err)
	}

	path := m.brutePath(time.Now())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: brute mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: brute open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("memory: brute write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("memory: brute fsync: %w", err)
	}
	return nil
}

// MessageRecord is the lightweight L0 journal form for turns that never
// become full interactions (command acknowledgements, gate replies).
type MessageRecord struct {
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	SessionID   string         `json:"session_id"`
	MessageTurn int            `json:"message_turn"`
	Metadata    map[string]any `json:"metadata"`
	Timestamp   string         `json:"timestamp"`
}

// JournalMessage appends a bare message record to the raw journal,
// flushed and fsynced like every other L0 write.
func (m *Manager) JournalMessage(role, content, sessionID string, turn int, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return m.writeBrute(MessageRecord{
		Role: role, Content: content, SessionID: sessionID, MessageTurn: turn,
		Metadata: metadata, Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// PersistResult reports which of L1/L2/L3 succeeded; L1 failure is
// critical.
type PersistResult struct {
	L1OK, L2OK, L3OK bool
}

// SaveInteraction is the canonical per-turn write: L0 raw journal, then
// (after the schema auditor) L1 per-turn JSON, L2 narrative vector, L3
// inverted index. L0 is the source of truth and is written first; if it
// fails, the call returns an error without trying the other layers. Any
// of L1/L2/L3 may fail individually, each wrapped and logged; of those,
// only a critical L1 failure makes the call return an error.
func (m *Manager) SaveInteraction(ctx context.Context, interaction types.Interaction) (PersistResult, error) {
	if err := Audit(interaction); err != nil {
		logging.MemoryWarn("schema violation on interaction %s: %v", interaction.Meta.ID, err)
		appendViolation(m.path("reflexive", "violations.log"), err.Error())
	}

	if err := m.writeBrute(interaction); err != nil {
		logging.Get(logging.CategoryMemory).Error("L0 write failed: %v", err)
		return PersistResult{}, fmt.Errorf("memory: L0 write: %w", err)
	}

	result := PersistResult{}

	l1Path, err := m.writeTurnJSON(interaction)
	if err != nil {
		logging.Get(logging.CategoryMemory).Error("L1 write failed: %v", err)
	} else {
		result.L1OK = true
	}

	combined := interaction.Prompt + "\n" + interaction.Response
	if m.vectors != nil {
		meta := vectorstore.Meta{
			"kind":         "raw_history",
			"session_id":   interaction.Meta.SessionID,
			"message_turn": interaction.Meta.MessageTurn,
			"path":         l1Path,
		}
		if err := m.vectors.Narrative.AddFragment(ctx, combined, meta); err != nil {
			logging.Get(logging.CategoryMemory).Error("L2 vectorise failed: %v", err)
		} else {
			result.L2OK = true
		}
	}

	if m.fulltext != nil && l1Path != "" {
		doc := fulltext.Document{
			Path:        l1Path,
			Filename:    filepath.Base(l1Path),
			Content:     combined,
			Kind:        interaction.Meta.Kind,
			Timestamp:   interaction.Meta.Timestamp,
			SubjectTag:  interaction.Intent.Subject,
			ActionTag:   interaction.Intent.Action,
			CategoryTag: interaction.Intent.Category,
			SessionID:   interaction.Meta.SessionID,
			MessageTurn: interaction.Meta.MessageTurn,
		}
		if err := m.fulltext.Update(doc); err != nil {
			logging.Get(logging.CategoryMemory).Error("L3 upsert failed: %v", err)
		} else {
			result.L3OK = true
		}
	}

	if !result.L1OK {
		return result, fmt.Errorf("memory: critical L1 failure for interaction %s", interaction.Meta.ID)
	}
	return result, nil
}

// writeTurnJSON atomically writes the L1 per-turn JSON file and returns
// its path.
func (m *Manager) writeTurnJSON(interaction types.Interaction) (string, error) {
	ts := time.Now().UTC().Format("20060102150405.000")
	ts = strings.ReplaceAll(ts, ".", "")
	name := fmt.Sprintf("interaction_%s_%s_%s_%s.json",
		strings.ToLower(interaction.Intent.Subject),
		strings.ToLower(interaction.Intent.Action),
		strings.ToLower(interaction.Intent.Category),
		ts)
	path := m.path("historique", name)

	data, err := json.MarshalIndent(interaction, "", "  ")
	if err != nil {
		return "", fmt.Errorf("memory: encode: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// SaveCodeArtifacts filters out tool-call JSON (objects carrying both a
// "function" and an "arguments" key) and archives the rest: writes
// artifact_{YYYYMMDD}_{id}.{ext} and appends a normalised record to the
// chunks journal.
func (m *Manager) SaveCodeArtifacts(artifacts []types.CodeArtifact) ([]types.CodeArtifact, error) {
	saved := make([]types.CodeArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		if looksLikeToolCall(a.Content) {
			continue
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Timestamp == 0 {
			a.Timestamp = time.Now().Unix()
		}
		day := time.Unix(a.Timestamp, 0).UTC().Format("20060102")
		ext := ExtensionForKind(m.extByKind, a.Language)
		filename := fmt.Sprintf("artifact_%s_%s.%s", day, a.ID, ext)
		path := m.path(m.artifactsDir, filename)
		if err := atomicWrite(path, []byte(a.Content)); err != nil {
			logging.Get(logging.CategoryMemory).Error("artifact write failed: %v", err)
			continue
		}
		if err := m.appendChunksJournal(a); err != nil {
			logging.Get(logging.CategoryMemory).Error("chunks journal append failed: %v", err)
		}
		saved = append(saved, a)
	}
	return saved, nil
}

// looksLikeToolCall detects a JSON body carrying both a "function" and an
// "arguments" key, the signature of a tool-call payload rather than real
// source.
func looksLikeToolCall(content string) bool {
	var probe map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &probe); err != nil {
		return false
	}
	_, hasFunc := probe["function"]
	_, hasArgs := probe["arguments"]
	return hasFunc && hasArgs
}

func (m *Manager) appendChunksJournal(a types.CodeArtifact) error {
	path := m.path("code", "code_chunks.jsonl")
	line, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// JournalReflexiveTrace appends to the single reflexive markdown journal,
// vectorises it (kind=reflexive) in the narrative store, and upserts it
// into the inverted index.
func (m *Manager) JournalReflexiveTrace(ctx context.Context, markdown, kind, classification string) error {
	path := m.path("reflexive", "journal_de_doute_reflexif.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: reflexive mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: reflexive open: %w", err)
	}
	entry := fmt.Sprintf("\n---\n%s\n", markdown)
	if _, err := f.Write([]byte(entry)); err != nil {
		f.Close()
		return fmt.Errorf("memory: reflexive write: %w", err)
	}
	f.Close()

	if m.vectors != nil {
		_ = m.vectors.Narrative.AddFragment(ctx, markdown, vectorstore.Meta{
			"kind": "reflexive", "classification": classification, "path": path,
		})
	}
	if m.fulltext != nil {
		_ = m.fulltext.Update(fulltext.Document{
			Path: path + "#" + uuid.NewString(), Filename: filepath.Base(path),
			Content: markdown, Kind: kind,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// SaveMemory is a generic write to any declared directory: JSON if dict
// or list, raw text otherwise.
func (m *Manager) SaveMemory(dir, filename string, content any) error {
	path := m.path(dir, filename)
	switch v := content.(type) {
	case string:
		return atomicWrite(path, []byte(v))
	case []byte:
		return atomicWrite(path, v)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("memory: encode: %w", err)
		}
		return atomicWrite(path, data)
	}
}

// VectoriseRule writes text to the legislative vector store ONLY — this
// separation is structural: rules must never contaminate narrative
// retrieval results.
func (m *Manager) VectoriseRule(ctx context.Context, text string, meta vectorstore.Meta) error {
	if m.vectors == nil {
		return fmt.Errorf("memory: no vector store pair configured")
	}
	return m.vectors.Legislative.AddFragment(ctx, text, meta)
}

// SaveRule persists a rule JSON file under regles/ with the canonical
// `{"rule": "…", "meta": {…}}` shape and vectorises it into the
// legislative store.
func (m *Manager) SaveRule(ctx context.Context, name, ruleText string, meta map[string]any) (string, error) {
	path := m.path("regles", name+".json")
	doc := map[string]any{"rule": ruleText, "meta": meta}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("memory: encode rule: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	vmeta := vectorstore.Meta{"title": name}
	for k, v := range meta {
		vmeta[k] = v
	}
	if err := m.VectoriseRule(ctx, ruleText, vmeta); err != nil {
		logging.Get(logging.CategoryMemory).Error("rule vectorise failed: %v", err)
	}
	return path, nil
}

// UpsertFullText exposes the inverted-index upsert path to callers
// outside the canonical per-turn write path: the reflexor's corrective
// rule and feedback upserts.
func (m *Manager) UpsertFullText(doc fulltext.Document) error {
	if m.fulltext == nil {
		return nil
	}
	return m.fulltext.Update(doc)
}

// SaveConsolidatedSummary persists a deferred-consolidation summary under
// persistante/ with the canonical
// `{SUBJECT}_{ACTION}_{CATEGORY}_{timestamp}_{4hex}.json` filename,
// vectorises it into the narrative store as kind=batch_summary, and
// upserts it into the inverted index.
func (m *Manager) SaveConsolidatedSummary(ctx context.Context, interaction types.Interaction) (string, error) {
	suffix := make([]byte, 2)
	_, _ = rand.Read(suffix)
	name := fmt.Sprintf("%s_%s_%s_%s_%s.json",
		strings.ToUpper(interaction.Intent.Subject),
		strings.ToUpper(interaction.Intent.Action),
		strings.ToUpper(interaction.Intent.Category),
		time.Now().UTC().Format("20060102_150405"),
		hex.EncodeToString(suffix))
	path := m.path("persistante", name)

	data, err := json.MarshalIndent(interaction, "", "  ")
	if err != nil {
		return "", fmt.Errorf("memory: encode consolidated summary: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}

	if m.vectors != nil {
		meta := vectorstore.Meta{
			"kind": "batch_summary", "session_id": interaction.Meta.SessionID,
			"message_turn": interaction.Meta.MessageTurn, "path": path,
		}
		if err := m.vectors.Narrative.AddFragment(ctx, interaction.Response, meta); err != nil {
			logging.Get(logging.CategoryMemory).Error("consolidated summary vectorise failed: %v", err)
		}
	}
	if m.fulltext != nil {
		_ = m.fulltext.Update(fulltext.Document{
			Path: path, Filename: name, Content: interaction.Response, Kind: "batch_summary",
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			SessionID:   interaction.Meta.SessionID,
			MessageTurn: interaction.Meta.MessageTurn,
		})
	}
	return path, nil
}

func appendViolation(path, message string) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), message)
	_, _ = f.WriteString(line)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("memory: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("memory: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memory: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memory: rename: %w", err)
	}
	return nil
}
