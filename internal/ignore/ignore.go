// Package ignore decides which paths under a sync root are left alone, using gitignore syntax.
package ignore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/spf13/afero"
)

// FileName is the per-root ignore file.
const FileName = ".boxignore"

// StateDir is the directory holding the index and sync state inside a root.
const StateDir = ".boxsync"

// TempPrefix prefixes in-flight files written by the file store.
const TempPrefix = ".boxsync-tmp-"

// DefaultPatterns are always ignored.
var DefaultPatterns = []string{
	StateDir + "/",
	TempPrefix + "*",
	"*.swp",
	"*~",
	".DS_Store",
}

// Matcher matches root-relative slash paths against ignore rules.
// A nil Matcher ignores nothing.
type Matcher struct {
	patterns []string
	matcher  gitignore.Matcher
}

// New builds a matcher from DefaultPatterns followed by extra.
func New(extra ...string) *Matcher {
	lines := append(append([]string{}, DefaultPatterns...), extra...)

	m := &Matcher{}
	ps := make([]gitignore.Pattern, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.patterns = append(m.patterns, line)
		ps = append(ps, gitignore.ParsePattern(line, nil))
	}
	m.matcher = gitignore.NewMatcher(ps)
	return m
}

// Load builds a matcher from DefaultPatterns, the root's ignore file when
// present, and extra.
func Load(fsys afero.Fs, root string, extra ...string) (*Matcher, error) {
	data, err := afero.ReadFile(fsys, filepath.Join(root, FileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}

	return New(append(lines, extra...)...), nil
}

// Match reports whether relPath is ignored.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	if m == nil || relPath == "" || relPath == "." {
		return false
	}
	return m.matcher.Match(strings.Split(relPath, "/"), isDir)
}

// Patterns returns the effective pattern lines.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string{}, m.patterns...)
}
