// Package retrieval is the unified read path over rules,
// READMEs, technical documentation, vectorised memory, chronological
// history, verbatim search and project-file introspection. Apart from
// the reflexor, which searches the narrative store for similar incidents,
// it is the only read path over the narrative and legislative vector
// stores and the inverted index.
package retrieval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"cognitron/internal/filelocator"
	"cognitron/internal/fulltext"
	"cognitron/internal/logging"
	"cognitron/internal/types"
	"cognitron/internal/vectorstore"
)

// Agent is the unified read API.
type Agent struct {
	Root     string
	Vectors  *vectorstore.Pair
	FullText *fulltext.Index
	Locator  *filelocator.Locator

	BoostIntention float64
	ResultatsFinaux int
}

func (a *Agent) path(parts ...string) string {
	return filepath.Join(append([]string{a.Root}, parts...)...)
}

// ---- Rules ----------------------------------------------------------------

// RulesByTag finds JSON files under regles/ whose filename contains tag,
// parses the "rule" field (falling back to raw contents on decode error),
// and yields Rule atoms with score=10.0.
func (a *Agent) RulesByTag(ctx context.Context, tag string) []types.Rule {
	candidates := a.Locator.Find(ctx, filelocator.Query{
		Path: a.path("regles"), Tokens: []string{tag}, Extension: "json",
	}, 50)
	if len(candidates) == 0 {
		candidates = a.globFallback(filepath.Join(a.Root, "regles"), tag, ".json")
	}

	var rules []types.Rule
	for _, p := range candidates {
		if !strings.Contains(filepath.Base(p), tag) {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var doc struct {
			Rule string         `json:"rule"`
			Meta map[string]any `json:"meta"`
		}
		content := string(data)
		if err := json.Unmarshal(data, &doc); err == nil && doc.Rule != "" {
			content = doc.Rule
		}
		rules = append(rules, types.NewRule(content, filepath.Base(p), "tagged_rule"))
	}
	return rules
}

// globFallback is used when the file locator subprocess is unavailable
// (e.g. es.exe not configured in this environment); it walks the
// directory directly so rule/readme discovery still works without the
// OS-level finder.
func (a *Agent) globFallback(dir, substr, ext string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ext != "" && filepath.Ext(name) != ext {
			continue
		}
		if substr != "" && !strings.Contains(name, substr) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	return out
}

// RulesBySemantic queries the legislative vector store and maps each hit
// to a Rule with title = trigger + "(sim: s.ss)".
func (a *Agent) RulesBySemantic(ctx context.Context, query string, k int) []types.Rule {
	hits, err := a.Vectors.Legislative.Search(ctx, query, k)
	if err != nil {
		logging.RetrievalWarn("semantic rule search failed: %v", err)
		return nil
	}
	rules := make([]types.Rule, 0, len(hits))
	for _, h := range hits {
		content, _ := h.Meta["content"].(string)
		trigger, _ := h.Meta["title"].(string)
		if trigger == "" {
			trigger = "rule"
		}
		title := trigger + " (sim: " + strconv.FormatFloat(h.Score, 'f', 2, 64) + ")"
		r := types.NewRule(content, title, "vectorial_rule")
		rules = append(rules, r.WithScore(h.Score).(types.Rule))
	}
	return rules
}

// ---- READMEs / TechDocs -----------------------------------------------

func foldLower(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// splitCamelAndSeparators splits on spaces, underscores, hyphens and
// camelCase boundaries. READMEs applies it to both the filename key and
// the prompt.
func splitCamelAndSeparators(s string) []string {
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	var out []string
	var cur strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 && !unicode.IsUpper(runes[i-1]) && cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
		if r == ' ' {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range splitCamelAndSeparators(s) {
		for _, tok := range strings.Fields(foldLower(part)) {
			set[tok] = struct{}{}
		}
	}
	return set
}

// subsetOf reports whether every token in tokens is present in universe.
func subsetOf(tokens []string, universe map[string]struct{}) bool {
	for _, t := range tokens {
		if _, ok := universe[strings.ToLower(t)]; !ok {
			return false
		}
	}
	return true
}

// READMEs locates README_*.md files and drops any whose key tokens
// (extracted from the filename between README_ and .md) are NOT a subset
// of the prompt's tokens (camelCase split, lower-cased, split on any
// character that is not a letter or digit). Accented letters are compared
// as they are; they are not folded to their plain form.
// Surviving files are read and returned as ReadmeFile atoms.
func (a *Agent) READMEs(ctx context.Context, dir, prompt string) []types.ReadmeFile {
	candidates := a.Locator.Find(ctx, filelocator.Query{Path: dir, Tokens: []string{"README_"}}, 100)
	if len(candidates) == 0 {
		candidates = a.globFallback(dir, "README_", ".md")
	}

	promptTokens := tokenSet(prompt)
	var out []types.ReadmeFile
	for _, p := range candidates {
		base := filepath.Base(p)
		if !strings.HasPrefix(base, "README_") || !strings.HasSuffix(base, ".md") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(base, "README_"), ".md")
		keyTokens := splitCamelAndSeparators(key)
		if len(keyTokens) == 0 || !subsetOf(keyTokens, promptTokens) {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		out = append(out, types.ReadmeFile{
			ContentText: string(data), TitleText: base, KindText: "readme", ScoreValue: 5.0, Path: p,
		})
	}
	return out
}

// TechDocs mirrors READMEs under a documentation-technique subdirectory,
// with no key-token filtering.
func (a *Agent) TechDocs(ctx context.Context, dir string) []types.TechDoc {
	candidates := a.Locator.Find(ctx, filelocator.Query{Path: dir}, 100)
	if len(candidates) == 0 {
		candidates = a.globFallback(dir, "", "")
	}
	var out []types.TechDoc
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		out = append(out, types.TechDoc{
			Content: string(data), Title: filepath.Base(p), SourceURL: p, Kind: "tech_doc", Score: 5.0,
		})
	}
	return out
}

// ---- Vector memory: context swap + intent boost -----------------------

// VectorMemoryWithIntentBoost queries the narrative store for k=15,
// applies context swap (raw-history hits get replaced by their
// consolidated summary when one exists) and intent boost, and returns the
// top N_final results sorted by score descending.
func (a *Agent) VectorMemoryWithIntentBoost(ctx context.Context, intent types.Intent, historyDir, consolidatedDir string) types.RetrievalResult {
	start := time.Now()
	hits, err := a.Vectors.Narrative.Search(ctx, intent.Prompt, 15)
	if err != nil {
		logging.RetrievalWarn("vector memory search failed: %v", err)
		return types.RetrievalResult{ElapsedSecond: time.Since(start).Seconds()}
	}

	memories := make([]types.Memory, 0, len(hits))
	for _, h := range hits {
		mem := hitToMemory(h)
		mem = a.maybeContextSwap(mem, historyDir, consolidatedDir)
		mem.ScoreValue = applyIntentBoost(mem, h.Score, intent, a.BoostIntention)
		memories = append(memories, mem)
	}

	sort.SliceStable(memories, func(i, j int) bool { return memories[i].ScoreValue > memories[j].ScoreValue })

	nFinal := a.ResultatsFinaux
	if nFinal <= 0 {
		nFinal = 15
	}
	if len(memories) > nFinal {
		memories = memories[:nFinal]
	}

	return types.RetrievalResult{
		RawMemories:   memories,
		ScannedCount:  len(hits),
		ElapsedSecond: time.Since(start).Seconds(),
	}
}

func hitToMemory(h vectorstore.Hit) types.Memory {
	content, _ := h.Meta["content"].(string)
	title, _ := h.Meta["title"].(string)
	kind, _ := h.Meta["kind"].(string)
	sourcePath, _ := h.Meta["path"].(string)
	sessionID, _ := h.Meta["session_id"].(string)
	turn, _ := h.Meta["message_turn"].(int)
	if title == "" {
		title = kind
	}
	return types.Memory{
		ContentText: content, TitleText: title, KindText: kind, ScoreValue: h.Score,
		SourcePath: sourcePath, SessionID: sessionID, MessageTurn: turn,
	}
}

// maybeContextSwap checks whether a hit points into historyDir and
// carries session/turn metadata; if so it looks for a consolidated
// summary (by content-substring file search over consolidatedDir) and, if
// found, swaps the hit's content/title for the summary and sets
// kind="consolidated_summary".
func (a *Agent) maybeContextSwap(mem types.Memory, historyDir, consolidatedDir string) types.Memory {
	if mem.SourcePath == "" || !strings.HasPrefix(mem.SourcePath, historyDir) {
		return mem
	}
	if mem.SessionID == "" {
		return mem
	}
	needle := `"session_id": "` + mem.SessionID + `"`
	entries, err := os.ReadDir(consolidatedDir)
	if err != nil {
		return mem
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		full := filepath.Join(consolidatedDir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		text := string(data)
		if strings.Contains(text, needle) {
			var doc struct {
				Response string `json:"response"`
			}
			if json.Unmarshal(data, &doc) == nil && doc.Response != "" {
				mem.ContentText = doc.Response
				mem.TitleText = e.Name()
				mem.KindText = "consolidated_summary"
			}
			return mem
		}
	}
	return mem
}

// applyIntentBoost multiplies raw score by (1 + boostFactor*matches) for
// every intent term present in the hit's lower-cased title.
func applyIntentBoost(mem types.Memory, rawScore float64, intent types.Intent, boostFactor float64) float64 {
	terms := intent.Terms()
	if len(terms) == 0 {
		return rawScore
	}
	titleLower := strings.ToLower(mem.TitleText)
	matches := 0
	for _, t := range terms {
		if strings.Contains(titleLower, t) {
			matches++
		}
	}
	if matches == 0 {
		return rawScore
	}
	return rawScore * (1 + boostFactor*float64(matches))
}

// ---- Chronological history ---------------------------------------------

// ChronologicalHistory lists the newest m files in historyDir, attempts a
// context swap for each, then reverses to chronological order.
func (a *Agent) ChronologicalHistory(historyDir, consolidatedDir string, m int) []types.Memory {
	entries, err := os.ReadDir(historyDir)
	if err != nil {
		return nil
	}
	type fileInfo struct {
		name string
		mod  time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	if len(files) > m {
		files = files[:m]
	}

	out := make([]types.Memory, 0, len(files))
	for _, f := range files {
		full := filepath.Join(historyDir, f.name)
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		mem := types.Memory{ContentText: string(data), TitleText: f.name, KindText: "raw_history", SourcePath: full}
		mem = a.maybeContextSwap(mem, historyDir, consolidatedDir)
		out = append(out, mem)
	}
	// reverse to chronological order (oldest first)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ---- Verbatim ------------------------------------------------------------

// Verbatim restricts candidates (via the file locator) to historyDir and
// requires phraseExact to literally appear in the file text, avoiding
// tokenisation false-positives. Survivors get score=10.0,
// kind="verbatim_proven".
func (a *Agent) Verbatim(ctx context.Context, historyDir, phraseExact string) []types.Memory {
	candidates := a.Locator.Find(ctx, filelocator.Query{Path: historyDir}, 500)
	if len(candidates) == 0 {
		candidates = a.globFallback(historyDir, "", "")
	}
	var out []types.Memory
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		text := string(data)
		if strings.Contains(text, phraseExact) {
			out = append(out, types.Memory{
				ContentText: text, TitleText: filepath.Base(p), KindText: "verbatim_proven",
				ScoreValue: 10.0, SourcePath: p,
			})
		}
	}
	return out
}

// ---- Project-file introspection -----------------------------------------

var allowedIntrospectionExt = map[string]bool{".py": true, ".yaml": true, ".yml": true, ".json": true, ".md": true}
var introspectionBlacklist = []string{"backup", "logs", "__pycache__", ".env", ".bak", "copie"}

// ProjectFileIntrospection locates project files under root (restricted
// to the allowed extensions or a .github path), applies the blacklist and
// reads survivors as Memory atoms with kind="code_file".
func (a *Agent) ProjectFileIntrospection(ctx context.Context, query string, limit int) []types.Memory {
	candidates := a.Locator.Find(ctx, filelocator.Query{Path: a.Root, Tokens: strings.Fields(query)}, limit)
	var out []types.Memory
	for _, p := range candidates {
		if isBlacklisted(p) {
			continue
		}
		ext := filepath.Ext(p)
		if !allowedIntrospectionExt[ext] && !strings.Contains(p, ".github") {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		out = append(out, types.Memory{
			ContentText: string(data), TitleText: filepath.Base(p), KindText: "code_file", SourcePath: p,
		})
	}
	return out
}

func isBlacklisted(p string) bool {
	for _, frag := range introspectionBlacklist {
		if strings.Contains(p, frag) {
			return true
		}
	}
	return false
}

// ---- Inverted-index targeted search --------------------------------------

// InvertedIndexSearch accepts a query and an optional candidate-path
// whitelist and returns hits typed as Memory, content preview truncated to
// 800 chars.
func (a *Agent) InvertedIndexSearch(query string, candidateWhitelist map[string]struct{}, k int) []types.Memory {
	if a.FullText == nil {
		return nil
	}
	results := a.FullText.Search(query, nil, 0)
	out := make([]types.Memory, 0, len(results))
	for _, r := range results {
		if candidateWhitelist != nil {
			if _, ok := candidateWhitelist[r.Doc.Path]; !ok {
				continue
			}
		}
		preview := r.Doc.Content
		if len(preview) > 800 {
			preview = preview[:800]
		}
		out = append(out, types.Memory{
			ContentText: preview, TitleText: r.Doc.Filename, KindText: "index_hit",
			ScoreValue: r.Score, SourcePath: r.Doc.Path,
			SessionID: r.Doc.SessionID, MessageTurn: r.Doc.MessageTurn,
		})
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out
}

// ---- Maintenance: index update -------------------------------------------

// UpdateIndexFile reads and tokenises a single target file and upserts it
// into the inverted index.
func (a *Agent) UpdateIndexFile(path string) error {
	if a.FullText == nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return a.FullText.Update(fulltext.Document{
		Path: path, Filename: filepath.Base(path), Content: string(data),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

var rebuildExtensions = map[string]bool{".json": true, ".jsonl": true, ".txt": true, ".md": true}

// UpdateIndexRebuild walks every declared memory root, applies the
// extension filter and global blacklist, and hands the resulting document
// set to the inverted index's async batch rebuild.
func (a *Agent) UpdateIndexRebuild(roots []string) <-chan error {
	var docs []fulltext.Document
	for _, root := range roots {
		filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			if isBlacklisted(p) {
				return nil
			}
			if !rebuildExtensions[filepath.Ext(p)] {
				return nil
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return nil
			}
			docs = append(docs, fulltext.Document{
				Path: p, Filename: filepath.Base(p), Content: string(data),
				Timestamp: info.ModTime().UTC().Format(time.RFC3339),
			})
			return nil
		})
	}
	return a.FullText.UpdateBatch(docs)
}
