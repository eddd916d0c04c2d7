package sandbox

import (
	"fmt"
	"strings"
)

// ErrUnsupportedLanguage is returned when a requested language is not on the
// allowlist. The runner never guesses a default runtime for unknown input.
var ErrUnsupportedLanguage = fmt.Errorf("unsupported language")

// Language is a member of the fixed execution allowlist.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangGo         Language = "go"
	LangBash       Language = "bash"
	LangGoTest     Language = "go-test"
	LangNPMTest    Language = "npm-test"
)

// aliases maps accepted spellings onto canonical allowlist members.
var aliases = map[string]Language{
	"python":        LangPython,
	"py":            LangPython,
	"python3":       LangPython,
	"javascript":    LangJavaScript,
	"js":            LangJavaScript,
	"node":          LangJavaScript,
	"nodejs":        LangJavaScript,
	"go":            LangGo,
	"golang":        LangGo,
	"bash":          LangBash,
	"sh":            LangBash,
	"shell":         LangBash,
	"go-test":       LangGoTest,
	"npm-test":      LangNPMTest,
	"run-npm-tests": LangNPMTest,
}

// runtimeSpec describes how one language executes inside the sandbox image.
type runtimeSpec struct {
	Image    string
	FileName string
	Command  []string
}

var runtimes = map[Language]runtimeSpec{
	LangPython: {
		Image:    "python:3.12-slim",
		FileName: "main.py",
		Command:  []string{"python3", "main.py"},
	},
	LangJavaScript: {
		Image:    "node:20-slim",
		FileName: "main.js",
		Command:  []string{"node", "main.js"},
	},
	LangGo: {
		Image:    "golang:1.24-alpine",
		FileName: "main.go",
		Command:  []string{"go", "run", "main.go"},
	},
	LangBash: {
		Image:    "debian:bookworm-slim",
		FileName: "main.sh",
		Command:  []string{"bash", "main.sh"},
	},
	LangGoTest: {
		Image:    "golang:1.24-alpine",
		FileName: "main_test.go",
		Command:  []string{"go", "test", "-v", "."},
	},
	LangNPMTest: {
		Image:    "node:20-slim",
		FileName: "main.test.js",
		Command:  []string{"npm", "test"},
	},
}

// ResolveLanguage normalizes a caller-supplied language to an allowlist
// member. Input is lowercased and truncated at the first character that
// cannot be part of a language token, so injection attempts like
// "python; rm -rf /" resolve to "python" instead of reaching Docker.
func ResolveLanguage(input string) (Language, error) {
	token := strings.ToLower(strings.TrimSpace(input))
	for i, r := range token {
		if !isLanguageRune(r) {
			token = token[:i]
			break
		}
	}
	if lang, ok := aliases[token]; ok {
		return lang, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, input)
}

func isLanguageRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
}

// SupportedLanguages returns the canonical allowlist for error messages and
// the health endpoint.
func SupportedLanguages() []string {
	return []string{
		string(LangPython),
		string(LangJavaScript),
		string(LangGo),
		string(LangBash),
		string(LangGoTest),
		string(LangNPMTest),
	}
}
