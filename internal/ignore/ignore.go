// Package ignore decides which workspace files stay out of sandboxes,
// fingerprints and promotions.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultExcludes cover VCS metadata, dependency and build caches, and files
// that conventionally hold credentials.
var DefaultExcludes = []string{
	".git/",
	".hg/",
	".svn/",
	".agentforge/",
	"node_modules/",
	"bower_components/",
	".venv/",
	"venv/",
	"__pycache__/",
	"*.pyc",
	".pytest_cache/",
	".mypy_cache/",
	".ruff_cache/",
	".tox/",
	".gradle/",
	".next/",
	".nuxt/",
	".cache/",
	".terraform/",
	"target/",
	"dist/",
	"build/",
	".DS_Store",
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"id_rsa*",
	"id_ed25519*",
	".npmrc",
	".pypirc",
	".netrc",
}

// Parser builds matchers for a workspace.
type Parser struct {
	// IgnoreFiles are read from the workspace root in addition to every
	// nested .gitignore.
	IgnoreFiles []string

	// Defaults are applied before any file-based pattern, so a workspace may
	// re-include a default with a negated pattern.
	Defaults []string
}

// NewParser creates a parser with the given root ignore files and defaults.
func NewParser(ignoreFiles, defaults []string) *Parser {
	return &Parser{IgnoreFiles: ignoreFiles, Defaults: defaults}
}

// Matcher reports whether a workspace-relative path is excluded.
type Matcher struct {
	m gitignore.Matcher
}

// Build reads ignore files under root and returns a matcher. extra patterns
// are applied last and take precedence.
func (p *Parser) Build(root string, extra ...string) (*Matcher, error) {
	var patterns []gitignore.Pattern
	for _, line := range p.Defaults {
		if pattern := parseLine(line); pattern != "" {
			patterns = append(patterns, gitignore.ParsePattern(pattern, nil))
		}
	}

	nested, err := gitignore.ReadPatterns(osfs.New(root), nil)
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, nested...)

	for _, name := range p.IgnoreFiles {
		lines, err := readLines(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, line := range lines {
			patterns = append(patterns, gitignore.ParsePattern(line, nil))
		}
	}

	for _, line := range extra {
		if pattern := parseLine(line); pattern != "" {
			patterns = append(patterns, gitignore.ParsePattern(pattern, nil))
		}
	}
	return &Matcher{m: gitignore.NewMatcher(patterns)}, nil
}

// Excluded reports whether rel (slash or OS separated) is ignored.
func (m *Matcher) Excluded(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return false
	}
	return m.m.Match(strings.Split(rel, "/"), isDir)
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := parseLine(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// parseLine returns the pattern on a line, or "" for blanks and comments.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}
