package fetcher

import (
	"bytes"
	"path"
	"strings"
)

var skipDirs = map[string]bool{
	"vendor":        true,
	".git":          true,
	".terraform":    true,
	"node_modules":  true,
	"target":        true,
	"build":         true,
	"dist":          true,
	"out":           true,
	"bin":           true,
	"obj":           true,
	".venv":         true,
	"venv":          true,
	"env":           true,
	"__pycache__":   true,
	".pytest_cache": true,
	".next":         true,
	".gradle":       true,
	".m2":           true,
	".idea":         true,
	"coverage":      true,
	".cache":        true,
}

var languages = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".scala": "scala",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rs":    "rust",
	".swift": "swift",
	".php":   "php",
	".rb":    "ruby",
	".sh":    "shell",
	".tf":    "terraform",
	".sql":   "sql",
	".md":    "markdown",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".html":  "html",
	".css":   "css",
	".scss":  "scss",
}

// SkipDir reports whether a directory with the given base name is never descended into.
func SkipDir(name string) bool {
	return skipDirs[strings.ToLower(name)]
}

// ShouldSkip returns true if the file at the slash-separated relative path p
// lives under an excluded directory or has no known language.
func ShouldSkip(p string) bool {
	p = strings.ToLower(p)
	dirs := strings.Split(path.Dir(p), "/")
	for _, d := range dirs {
		if skipDirs[d] {
			return true
		}
	}
	return GuessLang(p) == ""
}

// GuessLang maps a file extension to a language name, or "" when unknown.
func GuessLang(p string) string {
	return languages[strings.ToLower(path.Ext(p))]
}

// acceptContent rejects empty, binary and oversized content.
func acceptContent(b []byte) bool {
	if len(b) == 0 || len(b) > MaxFileSize {
		return false
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return false
	}
	return bytes.IndexByte(b, 0) < 0
}
