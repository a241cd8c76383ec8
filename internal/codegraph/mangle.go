package codegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cognitron/internal/mangle"
	"cognitron/internal/types"
)

const dependencyGraphSchema = `
Decl imports(File, Module).
Decl edge(From, To).
`

// filePersistence is a minimal on-disk Persistence implementation for the
// dependency-graph engine: one JSON file holding every fact keyed by its
// originating source file, so a per-file replace only rewrites that
// file's slice.
type filePersistence struct {
	mu   sync.Mutex
	path string
}

func newFilePersistence(path string) *filePersistence {
	return &filePersistence{path: path}
}

type persistedState struct {
	ByFile map[string][]mangle.Fact `json:"by_file"`
	Hashes map[string]string        `json:"hashes"`
}

func (p *filePersistence) load() persistedState {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return persistedState{ByFile: map[string][]mangle.Fact{}, Hashes: map[string]string{}}
	}
	var st persistedState
	if json.Unmarshal(data, &st) != nil {
		return persistedState{ByFile: map[string][]mangle.Fact{}, Hashes: map[string]string{}}
	}
	if st.ByFile == nil {
		st.ByFile = map[string][]mangle.Fact{}
	}
	if st.Hashes == nil {
		st.Hashes = map[string]string{}
	}
	return st
}

func (p *filePersistence) save(st persistedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	return os.Rename(tmpPath, p.path)
}

func (p *filePersistence) ReplaceFactsForFile(_ context.Context, file string, facts []mangle.Fact, contentHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.load()
	st.ByFile[file] = facts
	st.Hashes[file] = contentHash
	return p.save(st)
}

func (p *filePersistence) LoadFacts(_ context.Context) ([]mangle.Fact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.load()
	var all []mangle.Fact
	for _, facts := range st.ByFile {
		all = append(all, facts...)
	}
	return all, nil
}

func (p *filePersistence) GetFileStates(_ context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load().Hashes, nil
}

// NewDependencyGraphEngine builds a mangle engine pre-loaded with the
// imports/edge schema, persisted to persistPath.
func NewDependencyGraphEngine(persistPath string) (*mangle.Engine, error) {
	engine, err := mangle.NewEngine(mangle.DefaultConfig(), newFilePersistence(persistPath))
	if err != nil {
		return nil, err
	}
	if err := engine.LoadSchemaString(dependencyGraphSchema); err != nil {
		return nil, fmt.Errorf("codegraph: load dependency graph schema: %w", err)
	}
	return engine, nil
}

// SyncDependencyFacts replaces every file's imports/edge facts in the
// engine from a freshly built architecture.
func SyncDependencyFacts(engine *mangle.Engine, arch types.ProjectArchitecture) error {
	for path, mod := range arch.Modules {
		var facts []mangle.Fact
		for _, imp := range mod.Imports {
			facts = append(facts, mangle.Fact{Predicate: "imports", Args: []interface{}{path, imp}})
		}
		for _, seg := range mod.OutgoingEdges {
			facts = append(facts, mangle.Fact{Predicate: "edge", Args: []interface{}{path, seg}})
		}
		if err := engine.ReplaceFactsForFileWithHash(path, facts, ""); err != nil {
			return fmt.Errorf("codegraph: sync facts for %s: %w", path, err)
		}
	}
	return nil
}

// OneHopExpansionQuery returns every module reachable from seedPath by a
// single outgoing edge hop, via the Datalog engine's fact store rather
// than the in-process architecture map (domain-stack wiring: exercising
// the mangle engine for exactly the query the in-memory RAG path also
// offers, so the graph facts stay a first-class queryable asset, not
// just index scaffolding).
func OneHopExpansionQuery(ctx context.Context, engine *mangle.Engine, seedPath string) ([]string, error) {
	facts := engine.QueryFacts("edge", seedPath)
	var segments []string
	for _, f := range facts {
		if len(f.Args) != 2 {
			continue
		}
		if seg, ok := f.Args[1].(string); ok {
			segments = append(segments, seg)
		}
	}
	return segments, nil
}
