// Package mangle wraps Google Mangle (Datalog) as the fact store behind
// the code subsystem's dependency graph: declared predicates, per-file
// fact replacement, pattern queries and rule evaluation. The runtime
// stores import/edge facts here so graph questions ("what does this
// module reach in one hop?") are Datalog queries instead of ad-hoc map
// walks.
package mangle

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Config bounds the engine.
type Config struct {
	// FactLimit caps the number of stored facts; 0 means unbounded.
	FactLimit int
	// AutoEval re-derives rule heads after every mutation. Leave off for
	// bulk loads and call Eval once at the end.
	AutoEval bool
}

// DefaultConfig returns the bounds used by the code subsystem.
func DefaultConfig() Config {
	return Config{FactLimit: 500_000, AutoEval: false}
}

// Fact is one ground atom in Go terms: a declared predicate plus its
// arguments (strings and numbers).
type Fact struct {
	Predicate string `json:"predicate"`
	Args      []any  `json:"args"`
}

// Persistence is the storage hook the engine warms from and writes
// through: facts are grouped by the source file they were derived from,
// so re-parsing one file replaces exactly that file's slice.
type Persistence interface {
	ReplaceFactsForFile(ctx context.Context, file string, facts []Fact, contentHash string) error
	LoadFacts(ctx context.Context) ([]Fact, error)
	GetFileStates(ctx context.Context) (map[string]string, error)
}

// Engine owns a Mangle program (declarations + rules) and its fact store.
type Engine struct {
	mu          sync.RWMutex
	config      Config
	persistence Persistence

	units       []parse.SourceUnit
	programInfo *analysis.ProgramInfo
	predicates  map[string]ast.PredicateSym

	store     factstore.FactStore
	baseStore factstore.SimpleInMemoryStore
	factCount int

	// fileFacts is the reverse index for per-file removal: first-arg
	// file path -> atoms inserted under it.
	fileFacts map[string][]ast.Atom
}

// NewEngine builds an engine. persistence may be nil for an in-memory
// only store.
func NewEngine(cfg Config, persistence Persistence) (*Engine, error) {
	base := factstore.NewSimpleInMemoryStore()
	return &Engine{
		config:      cfg,
		persistence: persistence,
		predicates:  make(map[string]ast.PredicateSym),
		baseStore:   base,
		store:       factstore.NewConcurrentFactStore(base),
		fileFacts:   make(map[string][]ast.Atom),
	}, nil
}

// LoadSchemaString parses and analyzes a Mangle source fragment
// (declarations and optional rules) and merges it into the program.
func (e *Engine) LoadSchemaString(schema string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(schema)))
	if err != nil {
		return fmt.Errorf("mangle: parse schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.units = append(e.units, unit)
	return e.rebuildLocked()
}

func (e *Engine) rebuildLocked() error {
	var merged parse.SourceUnit
	for _, u := range e.units {
		merged.Clauses = append(merged.Clauses, u.Clauses...)
		merged.Decls = append(merged.Decls, u.Decls...)
	}

	info, err := analysis.AnalyzeOneUnit(merged, nil)
	if err != nil {
		return fmt.Errorf("mangle: analyze: %w", err)
	}

	e.programInfo = info
	e.predicates = make(map[string]ast.PredicateSym, len(info.Decls))
	for sym := range info.Decls {
		e.predicates[sym.Symbol] = sym
	}
	return nil
}

// WarmFromPersistence hydrates the store from the persistence layer.
// Call after LoadSchemaString.
func (e *Engine) WarmFromPersistence(ctx context.Context) error {
	if e.persistence == nil {
		return nil
	}
	facts, err := e.persistence.LoadFacts(ctx)
	if err != nil {
		return fmt.Errorf("mangle: load persisted facts: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range facts {
		if err := e.insertLocked(f); err != nil {
			return err
		}
	}
	return nil
}

// AddFact inserts one ground fact.
func (e *Engine) AddFact(predicate string, args ...any) error {
	return e.AddFacts([]Fact{{Predicate: predicate, Args: args}})
}

// AddFacts inserts a batch of ground facts.
func (e *Engine) AddFacts(facts []Fact) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.programInfo == nil {
		return fmt.Errorf("mangle: no schema loaded")
	}
	for _, f := range facts {
		if err := e.insertLocked(f); err != nil {
			return err
		}
	}
	if e.config.AutoEval {
		return e.evalLocked()
	}
	return nil
}

// ReplaceFactsForFile drops every fact whose first argument is file and
// inserts the new slice, then writes through to persistence.
func (e *Engine) ReplaceFactsForFile(file string, facts []Fact) error {
	return e.ReplaceFactsForFileWithHash(file, facts, "")
}

// ReplaceFactsForFileWithHash is ReplaceFactsForFile carrying the source
// file's content hash for the persistence layer's change detection.
func (e *Engine) ReplaceFactsForFileWithHash(file string, facts []Fact, contentHash string) error {
	e.mu.Lock()
	if e.programInfo == nil {
		e.mu.Unlock()
		return fmt.Errorf("mangle: no schema loaded")
	}
	e.removeFileLocked(file)
	for _, f := range facts {
		if err := e.insertLocked(f); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	if e.persistence != nil {
		if err := e.persistence.ReplaceFactsForFile(context.Background(), file, facts, contentHash); err != nil {
			return fmt.Errorf("mangle: persist facts for %s: %w", file, err)
		}
	}
	return nil
}

// Eval derives every rule head in the program from the current facts.
func (e *Engine) Eval() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evalLocked()
}

func (e *Engine) evalLocked() error {
	if e.programInfo == nil {
		return fmt.Errorf("mangle: no schema loaded")
	}
	if _, err := mengine.EvalProgramWithStats(e.programInfo, e.store); err != nil {
		return fmt.Errorf("mangle: eval: %w", err)
	}
	return nil
}

// GetFacts returns every stored fact for predicate.
func (e *Engine) GetFacts(predicate string) ([]Fact, error) {
	e.mu.RLock()
	sym, ok := e.predicates[predicate]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mangle: predicate %s is not declared", predicate)
	}

	var out []Fact
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		args := make([]any, len(atom.Args))
		for i, term := range atom.Args {
			args[i] = termToValue(term)
		}
		out = append(out, Fact{Predicate: predicate, Args: args})
		return nil
	})
	return out, err
}

// QueryFacts returns facts matching a positional pattern: an empty
// string matches any value at that position.
func (e *Engine) QueryFacts(predicate string, pattern ...string) []Fact {
	facts, err := e.GetFacts(predicate)
	if err != nil || len(pattern) == 0 {
		return facts
	}
	var out []Fact
	for _, f := range facts {
		if matchesPattern(f, pattern) {
			out = append(out, f)
		}
	}
	return out
}

func matchesPattern(f Fact, pattern []string) bool {
	for i, want := range pattern {
		if want == "" || i >= len(f.Args) {
			continue
		}
		got := fmt.Sprintf("%v", f.Args[i])
		if got != want {
			return false
		}
	}
	return true
}

// FactCount returns the number of base facts currently stored.
func (e *Engine) FactCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.factCount
}

// Clear drops every fact, keeping the program.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseStore = factstore.NewSimpleInMemoryStore()
	e.store = factstore.NewConcurrentFactStore(e.baseStore)
	e.factCount = 0
	e.fileFacts = make(map[string][]ast.Atom)
}

func (e *Engine) insertLocked(f Fact) error {
	if e.config.FactLimit > 0 && e.factCount >= e.config.FactLimit {
		return fmt.Errorf("mangle: fact limit %d exceeded", e.config.FactLimit)
	}
	atom, err := e.factToAtomLocked(f)
	if err != nil {
		return err
	}
	if e.store.Add(atom) {
		e.factCount++
		if len(atom.Args) > 0 {
			if file, ok := termToValue(atom.Args[0]).(string); ok && file != "" {
				key := canonicalPath(file)
				e.fileFacts[key] = append(e.fileFacts[key], atom)
			}
		}
	}
	return nil
}

func (e *Engine) removeFileLocked(file string) {
	key := canonicalPath(file)
	for _, atom := range e.fileFacts[key] {
		if e.baseStore.Remove(atom) && e.factCount > 0 {
			e.factCount--
		}
	}
	delete(e.fileFacts, key)
}

func (e *Engine) factToAtomLocked(f Fact) (ast.Atom, error) {
	sym, ok := e.predicates[f.Predicate]
	if !ok {
		return ast.Atom{}, fmt.Errorf("mangle: predicate %s is not declared", f.Predicate)
	}
	if len(f.Args) != sym.Arity {
		return ast.Atom{}, fmt.Errorf("mangle: predicate %s expects %d args, got %d", f.Predicate, sym.Arity, len(f.Args))
	}
	args := make([]ast.BaseTerm, len(f.Args))
	for i, raw := range f.Args {
		term, err := valueToTerm(raw)
		if err != nil {
			return ast.Atom{}, fmt.Errorf("mangle: %s arg %d: %w", f.Predicate, i, err)
		}
		args[i] = term
	}
	return ast.Atom{Predicate: sym, Args: args}, nil
}

func valueToTerm(v any) (ast.BaseTerm, error) {
	switch t := v.(type) {
	case string:
		return ast.String(t), nil
	case int:
		return ast.Number(int64(t)), nil
	case int64:
		return ast.Number(t), nil
	case float64:
		// JSON round-trips numbers as float64; integral values go back
		// to Number, anything else to Float64.
		if t == float64(int64(t)) {
			return ast.Number(int64(t)), nil
		}
		return ast.Float64(t), nil
	case bool:
		return ast.String(fmt.Sprintf("%t", t)), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func termToValue(term ast.BaseTerm) any {
	c, ok := term.(ast.Constant)
	if !ok {
		return term.String()
	}
	switch c.Type {
	case ast.StringType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(c.NumValue))
	case ast.NameType:
		return strings.TrimPrefix(c.Symbol, "/")
	default:
		return c.String()
	}
}

func canonicalPath(path string) string {
	return strings.ReplaceAll(filepath.Clean(path), "\\", "/")
}
