package chunker

import (
	"strings"

	"github.com/seanblong/repoindex/pkg/models"
)

// markdownOutline treats ATX headings as declarations so sections stay
// together. Headings inside fenced code blocks are ignored.
func markdownOutline(src []byte) (*outline, error) {
	lines := splitLines(src)
	o := &outline{}
	var (
		stack []int // open sections by heading level
		fence string
	)
	levels := map[int]int{}

	for i, raw := range lines {
		n := i + 1
		t := strings.TrimSpace(raw)
		if strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~") {
			if fence == "" {
				fence = t[:3]
			} else if strings.HasPrefix(t, fence) {
				fence = ""
			}
			continue
		}
		if fence != "" || !strings.HasPrefix(t, "#") {
			if t == "" && i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
				o.stmts = append(o.stmts, n+1)
			}
			continue
		}
		level := len(t) - len(strings.TrimLeft(t, "#"))
		if level > 6 || (len(t) > level && t[level] != ' ') {
			continue
		}

		for len(stack) > 0 && levels[stack[len(stack)-1]] >= level {
			o.decls[stack[len(stack)-1]].end = max(o.decls[stack[len(stack)-1]].line, n-1)
			stack = stack[:len(stack)-1]
		}
		title := strings.TrimSpace(t[level:])
		idx := len(o.decls)
		parent := -1
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}
		o.decls = append(o.decls, decl{
			start: n, line: n, end: n,
			depth:     len(stack),
			parent:    parent,
			name:      title,
			signature: t,
			kind:      models.ChunkDoc,
		})
		levels[idx] = level
		stack = append(stack, idx)
	}
	for _, idx := range stack {
		o.decls[idx].end = max(o.decls[idx].line, len(lines))
	}
	return o, nil
}
