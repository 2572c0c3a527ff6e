package chunker

import (
	"errors"
	"regexp"
	"strings"

	"github.com/seanblong/repoindex/pkg/models"
)

var (
	pyDefRe    = regexp.MustCompile(`^(?:async\s+)?def\s+([A-Za-z_]\w*)`)
	pyClassRe  = regexp.MustCompile(`^class\s+([A-Za-z_]\w*)`)
	pyImportRe = regexp.MustCompile(`^(?:import\s+([\w.]+)|from\s+([\w.]+)\s+import\b)`)
)

// pyState tracks what carries over between physical lines.
type pyState struct {
	triple   string // open triple-quote delimiter
	brackets int
	joined   bool // previous line ended with a backslash
}

// scan consumes one physical line and reports whether the line began a
// logical line.
func (s *pyState) scan(line string) (logical bool, err error) {
	logical = s.triple == "" && s.brackets == 0 && !s.joined
	s.joined = false
	for i := 0; i < len(line); i++ {
		if s.triple != "" {
			if strings.HasPrefix(line[i:], s.triple) {
				i += len(s.triple) - 1
				s.triple = ""
			} else if line[i] == '\\' {
				i++
			}
			continue
		}
		switch c := line[i]; c {
		case '#':
			return logical, nil
		case '"', '\'':
			delim := strings.Repeat(string(c), 3)
			if strings.HasPrefix(line[i:], delim) {
				s.triple = delim
				i += 2
				continue
			}
			j := i + 1
			for j < len(line) && line[j] != c {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			i = j
		case '(', '[', '{':
			s.brackets++
		case ')', ']', '}':
			s.brackets--
			if s.brackets < 0 {
				return logical, errors.New("unbalanced brackets")
			}
		case '\\':
			if i == len(line)-1 {
				s.joined = true
			}
		}
	}
	return logical, nil
}

func indentOf(line string) int {
	w := 0
	for _, r := range line {
		switch r {
		case ' ':
			w++
		case '\t':
			w += 8 - w%8
		default:
			return w
		}
	}
	return w
}

// pythonOutline is an indentation scanner. Decorators and contiguous comments
// directly above a def or class belong to it; a leading string literal in the
// body is its docstring.
func pythonOutline(src []byte) (*outline, error) {
	lines := splitLines(src)
	o := &outline{}

	type open struct {
		idx    int
		indent int
	}
	var stack []open
	stackIdx := func() []int {
		out := make([]int, len(stack))
		for i, s := range stack {
			out[i] = s.idx
		}
		return out
	}

	var (
		st          pyState
		decorators  []string
		preamble    int // first line of decorators/comments awaiting a declaration
		lastCode    int
		awaitingDoc = -1
		seenImports = map[string]bool{}
	)

	closeTo := func(indent, before int) {
		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			top := stack[len(stack)-1]
			o.decls[top.idx].end = max(o.decls[top.idx].line, before)
			stack = stack[:len(stack)-1]
		}
	}

	for i, raw := range lines {
		n := i + 1
		logical, err := st.scan(raw)
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(raw)
		if !logical {
			if trimmed != "" {
				lastCode = n
			}
			continue
		}
		if trimmed == "" {
			if len(decorators) == 0 {
				preamble = 0
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if preamble == 0 {
				preamble = n
			}
			continue
		}

		indent := indentOf(raw)
		if awaitingDoc >= 0 {
			if isPyString(trimmed) {
				o.decls[awaitingDoc].doc = pyDocLine(trimmed, lines[i+1:])
			}
			awaitingDoc = -1
		}
		closeTo(indent, lastCode)
		lastCode = n

		if strings.HasPrefix(trimmed, "@") {
			if preamble == 0 {
				preamble = n
			}
			decorators = append(decorators, trimmed)
			continue
		}

		var d *decl
		if m := pyClassRe.FindStringSubmatch(trimmed); m != nil {
			d = &decl{name: m[1], kind: models.ChunkClass}
		} else if m := pyDefRe.FindStringSubmatch(trimmed); m != nil {
			d = &decl{name: m[1], kind: models.ChunkFunction}
		}
		if d == nil {
			if len(stack) == 0 && indent == 0 {
				if m := pyImportRe.FindStringSubmatch(trimmed); m != nil {
					mod := m[1] + m[2]
					if !seenImports[mod] {
						seenImports[mod] = true
						o.imports = append(o.imports, mod)
					}
				}
			}
			if preamble > 0 {
				o.stmts = append(o.stmts, preamble)
			} else {
				o.stmts = append(o.stmts, n)
			}
			decorators, preamble = nil, 0
			continue
		}

		d.line = n
		d.start = n
		if preamble > 0 {
			d.start = preamble
		}
		d.end = n
		d.signature = signatureOf(trimmed)
		d.decorators = decorators
		idx := o.add(*d, stackIdx())
		stack = append(stack, open{idx: idx, indent: indent})
		awaitingDoc = idx
		decorators, preamble = nil, 0
	}

	if st.triple != "" || st.brackets != 0 {
		return nil, errors.New("unterminated string or bracket at end of file")
	}
	closeTo(0, lastCode)
	o.sort()
	return o, nil
}

func isPyString(s string) bool {
	s = strings.TrimLeft(s, "rRbBuUfF")
	return strings.HasPrefix(s, `"`) || strings.HasPrefix(s, `'`)
}

// pyDocLine extracts the first line of text from a docstring that starts on
// first and may continue into rest.
func pyDocLine(first string, rest []string) string {
	s := strings.TrimLeft(first, "rRbBuUfF")
	s = strings.TrimLeft(s, `"'`)
	s = strings.TrimRight(s, `"'`)
	if l := strings.TrimSpace(s); l != "" {
		return l
	}
	for _, r := range rest {
		if l := strings.Trim(strings.TrimSpace(r), `"'`); l != "" {
			return l
		}
	}
	return ""
}
