package codegraph

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cognitron/internal/logging"
	"cognitron/internal/mangle"
	"cognitron/internal/types"
	"cognitron/internal/vectorstore"
)

// RAG is the read-side adapter over a built project graph, chunk
// journal and code vector store.
type RAG struct {
	Arch     types.ProjectArchitecture
	Journal  *ChunkJournal
	Vectors  *vectorstore.Store
	Engine   *mangle.Engine // optional: Datalog-backed dependency facts for one-hop expansion
	DocsURL  string // optional local package-documentation side service
	httpClient *http.Client
}

// NewRAG builds a RAG adapter over the given (already hydrated)
// components. engine may be nil, in which case one-hop expansion falls
// back to the in-memory architecture map.
func NewRAG(arch types.ProjectArchitecture, journal *ChunkJournal, vectors *vectorstore.Store, engine *mangle.Engine, docsURL string) *RAG {
	return &RAG{
		Arch: arch, Journal: journal, Vectors: vectors, Engine: engine, DocsURL: docsURL,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// ProvideContext hydrates up to k typed CodeContext objects for a
// question: (a) vector search, (b) keyword search over module names
// using words of length > 3, (c) one-hop graph expansion along outgoing
// edges.
func (r *RAG) ProvideContext(ctx context.Context, question string, k int) []types.CodeContext {
	seen := make(map[string]struct{})
	var out []types.CodeContext

	if r.Vectors != nil {
		hits, err := r.Vectors.Search(ctx, question, k)
		if err != nil {
			logging.CodeGraphWarn("code vector search failed: %v", err)
		}
		for _, h := range hits {
			if cc, ok := r.hydrateFromHitMeta(h.Meta, h.Score); ok {
				if _, dup := seen[cc.ID]; !dup {
					seen[cc.ID] = struct{}{}
					out = append(out, cc)
				}
			}
		}
	}

	for _, word := range keywordsLongerThan(question, 3) {
		for path, mod := range r.Arch.Modules {
			if !strings.Contains(strings.ToLower(moduleSegment(path)), word) {
				continue
			}
			for _, cc := range modulesToContexts(path, mod) {
				if _, dup := seen[cc.ID]; !dup {
					seen[cc.ID] = struct{}{}
					out = append(out, cc)
				}
			}
		}
	}

	expanded := r.oneHopExpansion(ctx, out)
	for _, cc := range expanded {
		if _, dup := seen[cc.ID]; !dup {
			seen[cc.ID] = struct{}{}
			out = append(out, cc)
		}
	}

	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func (r *RAG) hydrateFromHitMeta(meta vectorstore.Meta, score float64) (types.CodeContext, bool) {
	id, _ := meta["id"].(string)
	if id == "" || r.Journal == nil {
		return types.CodeContext{}, false
	}
	chunk, ok := r.Journal.Get(id)
	if !ok {
		return types.CodeContext{}, false
	}
	return types.CodeContext{
		ID: chunk.ID, Kind: chunk.Kind, Module: chunk.Module, Name: chunk.Name,
		Signature: chunk.Signature, Docstring: chunk.Docstring, Content: chunk.EmbedText, Score: score,
	}, true
}

func keywordsLongerThan(text string, minLen int) []string {
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(w) > minLen {
			out = append(out, w)
		}
	}
	return out
}

func modulesToContexts(path string, mod types.ModuleInfo) []types.CodeContext {
	var out []types.CodeContext
	for name, fn := range mod.Functions {
		out = append(out, types.CodeContext{
			ID: fmt.Sprintf("%s::function:%s", path, name), Kind: "function", Module: path, Name: name,
			Signature: fn.Signature, Docstring: fn.Docstring, ReturnType: fn.ReturnType,
			VariablesUsed: fn.VariablesUsed,
		})
	}
	for className, cls := range mod.Classes {
		var methods []string
		for m := range cls.Methods {
			methods = append(methods, m)
		}
		out = append(out, types.CodeContext{
			ID: fmt.Sprintf("%s::class:%s", path, className), Kind: "class", Module: path, Name: className,
			Docstring: cls.Docstring, Bases: cls.Bases, Attributes: cls.Attributes, Methods: methods,
		})
	}
	return out
}

// oneHopExpansion includes modules reachable by one hop along outgoing
// edges from the already-collected hits, preferring
// the Datalog fact store over the in-memory architecture map when one is
// wired in.
func (r *RAG) oneHopExpansion(ctx context.Context, seed []types.CodeContext) []types.CodeContext {
	var out []types.CodeContext
	for _, cc := range seed {
		for _, seg := range r.outgoingSegments(ctx, cc.Module) {
			for path, neighbour := range r.Arch.Modules {
				if moduleSegment(path) != seg {
					continue
				}
				out = append(out, modulesToContexts(path, neighbour)...)
			}
		}
	}
	return out
}

// outgoingSegments resolves the one-hop edge segments for modulePath via
// the mangle dependency-graph engine when available, falling back to the
// in-memory architecture map otherwise.
func (r *RAG) outgoingSegments(ctx context.Context, modulePath string) []string {
	if r.Engine != nil {
		segs, err := OneHopExpansionQuery(ctx, r.Engine, modulePath)
		if err != nil {
			logging.CodeGraphWarn("one-hop mangle query failed, falling back to in-memory edges: %v", err)
		} else {
			return segs
		}
	}
	if mod, ok := r.Arch.Modules[modulePath]; ok {
		return mod.OutgoingEdges
	}
	return nil
}

// SkeletonFor produces a text view restricted to the given modules
func (r *RAG) SkeletonFor(modules []string) string {
	return SkeletonFor(r.Arch, modules)
}

// ConsultExternalDocs queries an optional local package-documentation
// side service; any connection error yields an empty string rather than
// an error.
func (r *RAG) ConsultExternalDocs(ctx context.Context, query string) string {
	if r.DocsURL == "" {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.DocsURL+"?q="+query, nil)
	if err != nil {
		return ""
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		logging.CodeGraphDebug("consult_external_docs: connection error: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return string(body)
}
