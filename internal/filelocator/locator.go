// Package filelocator is a thin abstraction over an
// OS-assisted fast file finder invoked as a subprocess (e.g. Everything's
// es.exe on Windows, or a `locate`/`fd`-compatible binary elsewhere). It
// is the first discovery stage for rules, READMEs, documentation, history
// and code files; callers filter the resulting paths further.
package filelocator

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"cognitron/internal/logging"
)

// Locator wraps a configured executable path.
type Locator struct {
	exePath string
}

// New builds a Locator bound to the given executable path (from
// config.FileLocatorConfig.EverythingExePath).
func New(exePath string) *Locator {
	return &Locator{exePath: exePath}
}

// Query is a structured locator query: free tokens plus the three
// declared filter forms.
type Query struct {
	Tokens    []string
	Path      string
	Content   string
	Extension string
}

// normalizeTokens accepts either a string or a []string and returns a
// clean token list, fixing the known trailing-backslash-quote edge case
// shell re-quoting leaves behind.
func normalizeTokens(input any) []string {
	switch v := input.(type) {
	case string:
		return splitAndFix(v)
	case []string:
		out := make([]string, 0, len(v))
		for _, tok := range v {
			out = append(out, fixTrailingQuote(tok))
		}
		return out
	default:
		return nil
	}
}

func splitAndFix(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = fixTrailingQuote(f)
	}
	return out
}

// fixTrailingQuote repairs the common quoting artifact where a token ends
// in a literal `\"` left over from shell re-quoting.
func fixTrailingQuote(tok string) string {
	return strings.TrimSuffix(tok, `\"`)
}

func (q Query) args() []string {
	args := make([]string, 0, len(q.Tokens)+3)
	if q.Path != "" {
		args = append(args, `path:"`+q.Path+`"`)
	}
	if q.Content != "" {
		args = append(args, `content:"`+q.Content+`"`)
	}
	if q.Extension != "" {
		args = append(args, "ext:"+strings.TrimPrefix(q.Extension, "."))
	}
	args = append(args, q.Tokens...)
	return args
}

// Find runs the locator with -n limit placed before the positional query
// tokens (flags-before-positional is the convention the underlying
// finder expects) and returns absolute paths. A non-zero exit code or
// empty stdout is treated as "no match", never as an error.
func (l *Locator) Find(ctx context.Context, query Query, limit int) []string {
	if l.exePath == "" {
		logging.FileLocatorWarn("no executable configured, returning empty result")
		return nil
	}

	args := []string{}
	if limit > 0 {
		args = append(args, "-n", strconv.Itoa(limit))
	}
	args = append(args, query.args()...)

	logging.FileLocatorDebug("find: %s %v", l.exePath, args)

	cmd := exec.CommandContext(ctx, l.exePath, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logging.FileLocatorDebug("locator exited %v, treating as no match", exitErr)
			return nil
		}
		logging.FileLocatorWarn("locator invocation failed: %v", err)
		return nil
	}

	text := strings.TrimSpace(string(out))
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	paths := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

// FindTokens is a convenience wrapper for the common case of free-text
// tokens with no structured filters.
func (l *Locator) FindTokens(ctx context.Context, tokens any, limit int) []string {
	return l.Find(ctx, Query{Tokens: normalizeTokens(tokens)}, limit)
}
