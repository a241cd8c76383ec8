// Package fulltext is a tokenised, field-scoped inverted index over
// interaction and memory documents, with incremental upsert and an
// async batch-rebuild mode. The path field is the unique key;
// classification tags are indexed separately.
package fulltext

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"cognitron/internal/logging"
)

// Document is one indexed entry, keyed uniquely by Path.
type Document struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	Kind        string `json:"kind"`
	Timestamp   string `json:"timestamp"`
	SubjectTag  string `json:"subject_tag"`
	ActionTag   string `json:"action_tag"`
	CategoryTag string `json:"category_tag"`
	SessionID   string `json:"session_id"`
	MessageTurn int    `json:"message_turn"`
}

var wordRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// Tokenize is the content analyser: word-regex tokenisation followed by
// lower-casing. No stop-word removal, no stemming beyond this.
func Tokenize(text string) []string {
	matches := wordRe.FindAllString(text, -1)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = strings.ToLower(m)
	}
	return out
}

// Index is a persistent inverted index over Document.Content and
// Document.Filename, keyed uniquely by Path.
type Index struct {
	mu   sync.RWMutex
	path string

	docs    map[string]Document
	postingsContent  map[string]map[string]struct{} // token -> set of Path
	postingsFilename map[string]map[string]struct{}

	rebuilding bool
}

// Open loads a persisted index (one JSON file of documents) or creates an
// empty one if the file does not exist.
func Open(path string) (*Index, error) {
	idx := &Index{
		path:             path,
		docs:             make(map[string]Document),
		postingsContent:  make(map[string]map[string]struct{}),
		postingsFilename: make(map[string]map[string]struct{}),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("fulltext: read %s: %w", path, err)
	}
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("fulltext: decode %s: %w", path, err)
	}
	for _, d := range docs {
		idx.indexLocked(d)
	}
	logging.FullText("loaded %d documents from %s", len(docs), path)
	return idx, nil
}

func (idx *Index) indexLocked(d Document) {
	idx.docs[d.Path] = d
	for _, tok := range Tokenize(d.Content) {
		addPosting(idx.postingsContent, tok, d.Path)
	}
	for _, tok := range Tokenize(normalizeFilename(d.Filename)) {
		addPosting(idx.postingsFilename, tok, d.Path)
	}
}

func normalizeFilename(name string) string {
	r := strings.NewReplacer("_", " ", ".", " ", "-", " ")
	return r.Replace(name)
}

func addPosting(postings map[string]map[string]struct{}, token, path string) {
	set, ok := postings[token]
	if !ok {
		set = make(map[string]struct{})
		postings[token] = set
	}
	set[path] = struct{}{}
}

func removePostings(postings map[string]map[string]struct{}, path string) {
	for _, set := range postings {
		delete(set, path)
	}
}

// Update is an atomic upsert keyed on Path: any prior entry for the same
// path is fully removed from the postings before the new one is indexed
func (idx *Index) Update(d Document) error {
	idx.mu.Lock()
	if idx.rebuilding {
		idx.mu.Unlock()
		return fmt.Errorf("fulltext: index is rebuilding, concurrent upserts disallowed")
	}
	if _, exists := idx.docs[d.Path]; exists {
		removePostings(idx.postingsContent, d.Path)
		removePostings(idx.postingsFilename, d.Path)
	}
	idx.indexLocked(d)
	idx.mu.Unlock()

	return idx.persist()
}

// UpdateBatch rebuilds the whole index from scratch, asynchronously. On
// any error building the new postings, the whole batch is discarded and
// the prior index is left untouched. Because the destination is fresh, it indexes by plain
// insertion rather than per-document upsert removal, for speed.
func (idx *Index) UpdateBatch(all []Document) <-chan error {
	done := make(chan error, 1)

	idx.mu.Lock()
	idx.rebuilding = true
	idx.mu.Unlock()

	go func() {
		newDocs := make(map[string]Document, len(all))
		newContent := make(map[string]map[string]struct{})
		newFilename := make(map[string]map[string]struct{})

		for _, d := range all {
			if d.Path == "" {
				idx.mu.Lock()
				idx.rebuilding = false
				idx.mu.Unlock()
				done <- fmt.Errorf("fulltext: rebuild: document with empty path")
				return
			}
			newDocs[d.Path] = d
			for _, tok := range Tokenize(d.Content) {
				addPosting(newContent, tok, d.Path)
			}
			for _, tok := range Tokenize(normalizeFilename(d.Filename)) {
				addPosting(newFilename, tok, d.Path)
			}
		}

		idx.mu.Lock()
		idx.docs = newDocs
		idx.postingsContent = newContent
		idx.postingsFilename = newFilename
		idx.rebuilding = false
		idx.mu.Unlock()

		if err := idx.persist(); err != nil {
			logging.Get(logging.CategoryFullText).Error("rebuild persist failed: %v", err)
			done <- err
			return
		}
		logging.FullText("rebuild complete: %d documents", len(all))
		done <- nil
	}()

	return done
}

// Filter restricts a search to documents matching all of the given
// classification tags and path prefix (empty fields are ignored).
type Filter struct {
	SubjectTag  string
	ActionTag   string
	CategoryTag string
	PathPrefix  string
}

func (f Filter) matches(d Document) bool {
	if f.SubjectTag != "" && d.SubjectTag != f.SubjectTag {
		return false
	}
	if f.ActionTag != "" && d.ActionTag != f.ActionTag {
		return false
	}
	if f.CategoryTag != "" && d.CategoryTag != f.CategoryTag {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(d.Path, f.PathPrefix) {
		return false
	}
	return true
}

// Result is one search hit.
type Result struct {
	Doc   Document
	Score float64
}

// Search runs a multi-field OR-grouped query across content and filename,
// optionally restricted by filter, and returns up to k results ranked by
// the number of matched query tokens (ties broken by path).
func (idx *Index) Search(text string, filter *Filter, k int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	hitCount := make(map[string]int)
	for _, tok := range tokens {
		for path := range idx.postingsContent[tok] {
			hitCount[path]++
		}
		for path := range idx.postingsFilename[tok] {
			hitCount[path]++
		}
	}

	results := make([]Result, 0, len(hitCount))
	for path, count := range hitCount {
		doc := idx.docs[path]
		if filter != nil && !filter.matches(doc) {
			continue
		}
		results = append(results, Result{Doc: doc, Score: float64(count) / float64(len(tokens))})
	}

	sortResultsDesc(results)
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results
}

func sortResultsDesc(results []Result) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && (results[j].Score > results[j-1].Score ||
			(results[j].Score == results[j-1].Score && results[j].Doc.Path < results[j-1].Doc.Path)); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Get returns the document stored at path, if any.
func (idx *Index) Get(path string) (Document, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	d, ok := idx.docs[path]
	return d, ok
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

func (idx *Index) persist() error {
	idx.mu.RLock()
	docs := make([]Document, 0, len(idx.docs))
	for _, d := range idx.docs {
		docs = append(docs, d)
	}
	idx.mu.RUnlock()

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("fulltext: encode: %w", err)
	}

	dir := filepath.Dir(idx.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fulltext: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fulltext: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fulltext: write temp: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, idx.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("fulltext: rename: %w", err)
	}
	return nil
}
