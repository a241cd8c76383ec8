// Package types holds the shared data model for the cognitive runtime:
// the tagged-union Atom family, the Intent/classification enums, the
// retrieval/context/judge result types, the prompt request variants and
// the canonical Interaction record persisted by the memory manager.
//
// Atom and PromptRequest are closed sum types: interfaces with an
// unexported marker method, so every concrete variant must live in this
// package and every switch over them is exhaustive-checkable.
package types

import "fmt"

// Atom is the smallest retrieval result unit: content, a human title, a
// kind tag and a relevance score. It is a tagged sum type with exactly
// three variants: Memory, Rule, ReadmeFile.
type Atom interface {
	// Content returns the atom's body text.
	Content() string
	// Title returns the atom's human-readable label.
	Title() string
	// Kind returns the atom's classification tag.
	Kind() string
	// Score returns the atom's relevance score.
	Score() float64
	// WithScore returns a copy of the atom with a new score.
	WithScore(score float64) Atom

	isAtom()
}

// Memory is a recalled item: a past interaction, a raw history entry, a
// reflexive trace, a consolidated summary, or a project file preview.
type Memory struct {
	ContentText string  `json:"content"`
	TitleText   string  `json:"title"`
	KindText    string  `json:"kind"`
	ScoreValue  float64 `json:"score"`

	// SourcePath, when non-empty, is the on-disk file this memory was
	// read from (used by the context-swap machinery to locate a
	// consolidated summary for a raw-history hit).
	SourcePath string `json:"source_path,omitempty"`
	// SessionID and MessageTurn identify the originating turn, when known.
	SessionID   string `json:"session_id,omitempty"`
	MessageTurn int    `json:"message_turn,omitempty"`
}

func (m Memory) Content() string         { return m.ContentText }
func (m Memory) Title() string           { return m.TitleText }
func (m Memory) Kind() string            { return m.KindText }
func (m Memory) Score() float64          { return m.ScoreValue }
func (m Memory) WithScore(s float64) Atom { m.ScoreValue = s; return m }
func (m Memory) isAtom()                 {}

// DefaultRuleScore is the default score assigned to governance rules;
// rules are authoritative and always outrank ordinary recall.
const DefaultRuleScore = 10.0

// Rule is a governance atom: a standing instruction the prompt builder
// renders into the system section of every prompt.
type Rule struct {
	ContentText string
	TitleText   string
	KindText    string
	ScoreValue  float64
}

// NewRule builds a Rule with the default score of 10.0.
func NewRule(content, title, kind string) Rule {
	return Rule{ContentText: content, TitleText: title, KindText: kind, ScoreValue: DefaultRuleScore}
}

func (r Rule) Content() string         { return r.ContentText }
func (r Rule) Title() string           { return r.TitleText }
func (r Rule) Kind() string            { return r.KindText }
func (r Rule) Score() float64          { return r.ScoreValue }
func (r Rule) WithScore(s float64) Atom { r.ScoreValue = s; return r }
func (r Rule) isAtom()                 {}

// ReadmeFile is a documentation atom carrying its on-disk path.
type ReadmeFile struct {
	ContentText string
	TitleText   string
	KindText    string
	ScoreValue  float64
	Path        string
}

func (f ReadmeFile) Content() string         { return f.ContentText }
func (f ReadmeFile) Title() string           { return f.TitleText }
func (f ReadmeFile) Kind() string            { return f.KindText }
func (f ReadmeFile) Score() float64          { return f.ScoreValue }
func (f ReadmeFile) WithScore(s float64) Atom { f.ScoreValue = s; return f }
func (f ReadmeFile) isAtom()                 {}

// TechDoc is external documentation, siblings of ReadmeFile but sourced
// from a documentation-technique directory or an external URL.
type TechDoc struct {
	Content   string
	Title     string
	SourceURL string
	Kind      string
	Score     float64
}

// String renders a TechDoc for debugging.
func (d TechDoc) String() string {
	return fmt.Sprintf("TechDoc{title=%q kind=%q score=%.3f}", d.Title, d.Kind, d.Score)
}
