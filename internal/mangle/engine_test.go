package mangle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
Decl imports(File, Module).
Decl edge(From, To).
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, e.LoadSchemaString(testSchema))
	return e
}

func TestAddFact_RequiresSchema(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Error(t, e.AddFact("imports", "a.py", "os"))
}

func TestAddFact_UndeclaredPredicateRejected(t *testing.T) {
	e := newTestEngine(t)
	assert.Error(t, e.AddFact("unknown_pred", "x"))
}

func TestAddFact_ArityChecked(t *testing.T) {
	e := newTestEngine(t)
	assert.Error(t, e.AddFact("imports", "only-one-arg"))
	assert.NoError(t, e.AddFact("imports", "a.py", "os"))
}

func TestQueryFacts_PatternMatch(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddFact("edge", "a.py", "beta"))
	require.NoError(t, e.AddFact("edge", "a.py", "gamma"))
	require.NoError(t, e.AddFact("edge", "b.py", "beta"))

	fromA := e.QueryFacts("edge", "a.py")
	assert.Len(t, fromA, 2)

	toBeta := e.QueryFacts("edge", "", "beta")
	assert.Len(t, toBeta, 2)

	all := e.QueryFacts("edge")
	assert.Len(t, all, 3)
}

func TestReplaceFactsForFile_SwapsOnlyThatFile(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddFact("edge", "a.py", "old"))
	require.NoError(t, e.AddFact("edge", "b.py", "kept"))

	require.NoError(t, e.ReplaceFactsForFile("a.py", []Fact{
		{Predicate: "edge", Args: []any{"a.py", "new"}},
	}))

	assert.Empty(t, e.QueryFacts("edge", "a.py", "old"))
	assert.Len(t, e.QueryFacts("edge", "a.py", "new"), 1)
	assert.Len(t, e.QueryFacts("edge", "b.py"), 1)
}

func TestFactCount_DeduplicatesIdenticalFacts(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddFact("edge", "a.py", "x"))
	require.NoError(t, e.AddFact("edge", "a.py", "x"))
	assert.Equal(t, 1, e.FactCount())
}

func TestClear(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddFact("edge", "a.py", "x"))
	e.Clear()
	assert.Equal(t, 0, e.FactCount())
	assert.Empty(t, e.QueryFacts("edge"))
}

func TestEval_DerivesRuleHeads(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, e.LoadSchemaString(testSchema+`
Decl twohop(From, To).
twohop(X, Z) :- edge(X, Y), edge(Y, Z).
`))
	require.NoError(t, e.AddFact("edge", "a", "b"))
	require.NoError(t, e.AddFact("edge", "b", "c"))
	require.NoError(t, e.Eval())

	derived := e.QueryFacts("twohop", "a")
	require.Len(t, derived, 1)
	assert.Equal(t, "c", derived[0].Args[1])
}

// memPersistence is an in-memory Persistence for warm-start testing.
type memPersistence struct {
	byFile map[string][]Fact
}

func (m *memPersistence) ReplaceFactsForFile(_ context.Context, file string, facts []Fact, _ string) error {
	if m.byFile == nil {
		m.byFile = map[string][]Fact{}
	}
	m.byFile[file] = facts
	return nil
}

func (m *memPersistence) LoadFacts(context.Context) ([]Fact, error) {
	var all []Fact
	for _, fs := range m.byFile {
		all = append(all, fs...)
	}
	return all, nil
}

func (m *memPersistence) GetFileStates(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func TestWarmFromPersistence(t *testing.T) {
	p := &memPersistence{}

	first, err := NewEngine(DefaultConfig(), p)
	require.NoError(t, err)
	require.NoError(t, first.LoadSchemaString(testSchema))
	require.NoError(t, first.ReplaceFactsForFile("a.py", []Fact{
		{Predicate: "imports", Args: []any{"a.py", "os"}},
	}))

	second, err := NewEngine(DefaultConfig(), p)
	require.NoError(t, err)
	require.NoError(t, second.LoadSchemaString(testSchema))
	require.NoError(t, second.WarmFromPersistence(context.Background()))
	assert.Len(t, second.QueryFacts("imports", "a.py"), 1)
}
