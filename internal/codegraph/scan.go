// Package codegraph is a static-analysis worker that scans
// the configured source roots, parses every file into an AST via
// tree-sitter, extracts per-class and per-function structure, builds the
// import/call graph, emits embeddable chunks and a compact skeleton view,
// and serves a RAG adapter over the result.
package codegraph

import (
	"os"
	"path/filepath"
	"strings"

	"cognitron/internal/config"
)

var defaultBlacklistExact = map[string]bool{
	"backups": true, "logs": true, "__pycache__": true, "venv": true,
	"node_modules": true, "dist": true, "build": true, ".git": true,
}

var defaultBlacklistSubstr = []string{"backup", "archive"}

var blacklistedFilenameSuffixes = []string{".bak", ".tmp", ".old"}

func isPathBlacklisted(path string, extraExact map[string]bool, extraSubstr []string) bool {
	base := filepath.Base(path)
	lower := strings.ToLower(base)

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if defaultBlacklistExact[part] || extraExact[part] {
			return true
		}
	}
	for _, frag := range append(append([]string{}, defaultBlacklistSubstr...), extraSubstr...) {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	for _, suffix := range blacklistedFilenameSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	if strings.Contains(lower, "copy") {
		return true
	}
	return false
}

// ScanFiles walks the configured include roots and returns every .py file
// that survives the blacklist.
func ScanFiles(cfg config.CodeGraphConfig) ([]string, error) {
	exact := make(map[string]bool, len(cfg.BlacklistExact))
	for _, e := range cfg.BlacklistExact {
		exact[e] = true
	}

	var files []string
	for _, root := range cfg.IncludeRoots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			if filepath.Ext(path) != ".py" {
				return nil
			}
			if isPathBlacklisted(path, exact, cfg.BlacklistSubstr) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
