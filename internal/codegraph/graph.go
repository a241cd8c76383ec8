package codegraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cognitron/internal/logging"
	"cognitron/internal/types"
)

// BuildProjectGraph parses every file, derives incoming edges by
// inverting outgoing edges across the whole set,
// and returns the assembled architecture.
func BuildProjectGraph(parser *PythonParser, files []string) types.ProjectArchitecture {
	arch := types.ProjectArchitecture{Modules: make(map[string]types.ModuleInfo)}

	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			logging.CodeGraphWarn("could not read %s: %v", path, err)
			arch.Modules[path] = types.ModuleInfo{Path: path, ParseError: err.Error()}
			continue
		}
		arch.Modules[path] = parser.ParseFile(path, content)
	}

	invertEdges(arch)
	return arch
}

func invertEdges(arch types.ProjectArchitecture) {
	segmentToPaths := make(map[string][]string)
	for path, mod := range arch.Modules {
		for _, seg := range mod.OutgoingEdges {
			segmentToPaths[seg] = append(segmentToPaths[seg], path)
		}
	}
	for path, mod := range arch.Modules {
		seg := moduleSegment(path)
		for _, incomingFrom := range segmentToPaths[seg] {
			if incomingFrom == path {
				continue
			}
			mod.IncomingEdges = appendUnique(mod.IncomingEdges, incomingFrom)
		}
		arch.Modules[path] = mod
	}
}

func moduleSegment(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".py")
	return base
}

// SaveProjectGraph persists the architecture as a single JSON file
func SaveProjectGraph(path string, arch types.ProjectArchitecture) error {
	data, err := json.MarshalIndent(arch, "", "  ")
	if err != nil {
		return fmt.Errorf("codegraph: encode project graph: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("codegraph: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("codegraph: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("codegraph: write temp: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("codegraph: rename: %w", err)
	}
	return nil
}

// LoadProjectGraph reads a persisted project graph, returning an empty
// architecture if the file does not exist.
func LoadProjectGraph(path string) (types.ProjectArchitecture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ProjectArchitecture{Modules: make(map[string]types.ModuleInfo)}, nil
		}
		return types.ProjectArchitecture{}, err
	}
	var arch types.ProjectArchitecture
	if err := json.Unmarshal(data, &arch); err != nil {
		return types.ProjectArchitecture{}, fmt.Errorf("codegraph: decode project graph: %w", err)
	}
	return arch, nil
}

// Chunk is one emittable unit for the vector index: the embeddable text
// plus the identifying metadata the RAG adapter needs to hydrate a
// CodeContext.
type Chunk struct {
	ID        string
	Module    string
	Kind      string // function, method, class
	Name      string
	Signature string
	Docstring string
	EmbedText string
	Content   string
}

// BuildChunks emits one chunk per function, class and method in the
// architecture, each summarising up to 3 called function names.
func BuildChunks(arch types.ProjectArchitecture) []Chunk {
	var chunks []Chunk
	modulePaths := sortedKeys(arch.Modules)

	for _, path := range modulePaths {
		mod := arch.Modules[path]
		if mod.ParseError != "" {
			continue
		}

		for _, name := range sortedKeys(mod.Functions) {
			fn := mod.Functions[name]
			chunks = append(chunks, buildFunctionChunk(path, "function", name, fn))
		}

		for _, className := range sortedKeys(mod.Classes) {
			cls := mod.Classes[className]
			chunks = append(chunks, buildClassChunk(path, className, cls))
			for _, methodName := range sortedKeys(cls.Methods) {
				method := cls.Methods[methodName]
				chunks = append(chunks, buildFunctionChunk(path, "method", className+"."+methodName, method))
			}
		}
	}
	return chunks
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildFunctionChunk(path, kind, name string, info types.MethodInfo) Chunk {
	var calls []string
	for i, c := range info.Calls {
		if i >= 3 {
			break
		}
		calls = append(calls, c.Function)
	}
	summary := ""
	if len(calls) > 0 {
		summary = "calls " + strings.Join(calls, ", ")
	}

	var b strings.Builder
	b.WriteString(info.Signature)
	b.WriteString("\n")
	if info.Docstring != "" {
		b.WriteString(info.Docstring)
		b.WriteString("\n")
	}
	if summary != "" {
		b.WriteString(summary)
	}

	return Chunk{
		ID: fmt.Sprintf("%s::%s:%s", path, kind, name), Module: path, Kind: kind, Name: name,
		Signature: info.Signature, Docstring: info.Docstring, EmbedText: b.String(),
	}
}

func buildClassChunk(path, name string, info types.ClassInfo) Chunk {
	var b strings.Builder
	fmt.Fprintf(&b, "class %s", name)
	if len(info.Bases) > 0 {
		fmt.Fprintf(&b, "(%s)", strings.Join(info.Bases, ", "))
	}
	b.WriteString(":\n")
	if info.Docstring != "" {
		b.WriteString(info.Docstring)
		b.WriteString("\n")
	}
	methodNames := sortedKeys(info.Methods)
	if len(methodNames) > 0 {
		b.WriteString("methods: " + strings.Join(methodNames, ", "))
	}

	return Chunk{
		ID: fmt.Sprintf("%s::class:%s", path, name), Module: path, Kind: "class", Name: name,
		Docstring: info.Docstring, EmbedText: b.String(),
	}
}

// Skeleton renders a compact module -> class -> method tree view with
// signatures and docstrings, skipping empty __init__.py files.
func Skeleton(arch types.ProjectArchitecture) string {
	var b strings.Builder
	for _, path := range sortedKeys(arch.Modules) {
		mod := arch.Modules[path]
		if strings.HasSuffix(path, "__init__.py") && len(mod.Classes) == 0 && len(mod.Functions) == 0 {
			continue
		}
		writeModuleSkeleton(&b, path, mod)
	}
	return b.String()
}

// SkeletonFor restricts the skeleton view to the given module paths
func SkeletonFor(arch types.ProjectArchitecture, modules []string) string {
	var b strings.Builder
	for _, path := range modules {
		mod, ok := arch.Modules[path]
		if !ok {
			continue
		}
		writeModuleSkeleton(&b, path, mod)
	}
	return b.String()
}

func writeModuleSkeleton(b *strings.Builder, path string, mod types.ModuleInfo) {
	fmt.Fprintf(b, "# %s\n", path)
	if mod.Docstring != "" {
		fmt.Fprintf(b, "  %s\n", mod.Docstring)
	}
	for _, name := range sortedKeys(mod.Functions) {
		fn := mod.Functions[name]
		fmt.Fprintf(b, "  %s\n", fn.Signature)
		if fn.Docstring != "" {
			fmt.Fprintf(b, "    %s\n", fn.Docstring)
		}
	}
	for _, className := range sortedKeys(mod.Classes) {
		cls := mod.Classes[className]
		fmt.Fprintf(b, "  class %s:\n", className)
		for _, methodName := range sortedKeys(cls.Methods) {
			m := cls.Methods[methodName]
			fmt.Fprintf(b, "    %s\n", m.Signature)
		}
	}
}
