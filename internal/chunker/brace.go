package chunker

import (
	"errors"
	"regexp"
	"strings"

	"github.com/seanblong/repoindex/pkg/models"
)

var (
	braceTypeRe = regexp.MustCompile(`^(?:(?:export|default|declare|public|private|protected|internal|abstract|final|sealed|static|open|data|partial|inner|case|companion|pub(?:\([^)]*\))?|unsafe|readonly|fileprivate)\s+)*` +
		`(enum\s+class|class|interface|struct|enum|trait|object|impl|record|protocol|extension|namespace|union)\b(?:<[^>]*>)?\s*([A-Za-z_$][\w$]*)?`)
	braceFuncRe = regexp.MustCompile(`^(?:(?:export|default|declare|public|private|protected|internal|abstract|final|static|async|override|open|suspend|inline|pub(?:\([^)]*\))?|unsafe|extern|const|operator|tailrec|mutating|fileprivate)\s+)*` +
		`(?:function\*?|fun|fn|func|def)\s+(?:<[^>]*>\s*)?(?:[\w.]+\.)?([A-Za-z_$][\w$]*)`)
	braceArrowRe  = regexp.MustCompile(`^(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::[^=]+)?=\s*(?:async\s+)?(?:function\b|\([^)]*\)\s*(?::[^=]+)?=>|[A-Za-z_$][\w$]*\s*=>)`)
	braceMethodRe = regexp.MustCompile(`^(?:[\w$<>\[\],.?*&:~\s]+?[\s*&]+)?([A-Za-z_~$][\w$]*(?:::~?[A-Za-z_$][\w$]*)*)\s*(?:<[^>]*>)?\s*\(`)
	annotationRe  = regexp.MustCompile(`^(?:@[\w.]+(?:\([^)]*\))?\s*)+`)

	braceImportRes = []*regexp.Regexp{
		regexp.MustCompile(`^import\s.*?from\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`^import\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`^import\s+(?:static\s+)?([\w.*]+)`),
		regexp.MustCompile(`^#\s*include\s*[<"]([^>"]+)[>"]`),
		regexp.MustCompile(`^using\s+(?:static\s+)?([\w.]+)\s*;`),
		regexp.MustCompile(`^(?:pub\s+)?use\s+([\w:\\{}, ]+?)\s*;`),
		regexp.MustCompile(`^(?:const|let|var)\s+.*?\brequire\s*\(\s*['"]([^'"]+)['"]`),
		regexp.MustCompile(`^(?:require|include)(?:_once)?\s*\(?\s*['"]([^'"]+)['"]`),
	}

	controlWords = map[string]bool{
		"if": true, "else": true, "for": true, "foreach": true, "while": true, "do": true,
		"switch": true, "case": true, "catch": true, "try": true, "finally": true,
		"return": true, "throw": true, "new": true, "sizeof": true, "await": true,
		"yield": true, "delete": true, "typeof": true, "using": true, "lock": true,
		"synchronized": true, "when": true, "match": true, "guard": true, "defer": true,
		"super": true, "this": true, "echo": true, "print": true, "assert": true,
	}
)

type braceLang struct {
	singleQuoteStrings bool
	templateStrings    bool
	optionalSemicolons bool
	typedFuncs         bool // functions are declared as "<type> name(...)"
	hashComments       bool
}

var braceLangs = map[string]braceLang{
	"javascript": {singleQuoteStrings: true, templateStrings: true, optionalSemicolons: true},
	"jsx":        {singleQuoteStrings: true, templateStrings: true, optionalSemicolons: true},
	"typescript": {singleQuoteStrings: true, templateStrings: true, optionalSemicolons: true},
	"tsx":        {singleQuoteStrings: true, templateStrings: true, optionalSemicolons: true},
	"php":        {singleQuoteStrings: true, hashComments: true},
	"java":       {typedFuncs: true},
	"c":          {typedFuncs: true},
	"cpp":        {typedFuncs: true},
	"csharp":     {typedFuncs: true},
	"kotlin":     {optionalSemicolons: true},
	"scala":      {optionalSemicolons: true},
	"swift":      {optionalSemicolons: true},
	"rust":       {},
}

func braceGrammar(lang string) grammar {
	cfg := braceLangs[lang]
	return func(src []byte) (*outline, error) {
		return braceOutline(cfg, src)
	}
}

// braceState tracks lexical context across physical lines.
type braceState struct {
	cfg          braceLang
	depth        int
	parens       int
	blockComment bool
	template     bool
}

// scan walks one line and returns its structural characters ('{', '}' and
// top-level ';') plus the last significant character outside comments.
func (s *braceState) scan(line string) (events []byte, last byte, err error) {
	for i := 0; i < len(line); i++ {
		c := line[i]
		if s.blockComment {
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				s.blockComment = false
				i++
			}
			continue
		}
		if s.template {
			if c == '\\' {
				i++
			} else if c == '`' {
				s.template = false
				last = c
			}
			continue
		}
		switch {
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return events, last, nil
		case c == '#' && s.cfg.hashComments:
			return events, last, nil
		case c == '/' && i+1 < len(line) && line[i+1] == '*':
			s.blockComment = true
			i++
			continue
		case c == '`' && s.cfg.templateStrings:
			s.template = true
			continue
		case c == '"':
			i = skipQuoted(line, i, '"')
		case c == '\'':
			if s.cfg.singleQuoteStrings {
				i = skipQuoted(line, i, '\'')
			} else {
				i = charLiteralEnd(line, i)
			}
		case c == '(' || c == '[':
			s.parens++
		case c == ')' || c == ']':
			s.parens--
			if s.parens < 0 {
				return nil, 0, errors.New("unbalanced parentheses")
			}
		case c == '{':
			s.depth++
			events = append(events, c)
		case c == '}':
			s.depth--
			if s.depth < 0 {
				return nil, 0, errors.New("unbalanced braces")
			}
			events = append(events, c)
		case c == ';' && s.parens == 0:
			events = append(events, c)
		}
		if c != ' ' && c != '\t' && c != '\r' {
			last = c
		}
	}
	return events, last, nil
}

func skipQuoted(line string, i int, q byte) int {
	j := i + 1
	for j < len(line) && line[j] != q {
		if line[j] == '\\' {
			j++
		}
		j++
	}
	return j
}

// charLiteralEnd returns the closing quote of a character literal at i, or
// i itself when the quote starts something else, such as a Rust lifetime.
func charLiteralEnd(line string, i int) int {
	if i+2 < len(line) && line[i+1] != '\\' && line[i+2] == '\'' {
		return i + 2
	}
	if i+1 < len(line) && line[i+1] == '\\' {
		for j := i + 2; j < len(line) && j < i+10; j++ {
			if line[j] == '\'' {
				return j
			}
		}
	}
	return i
}

type openDecl struct {
	idx   int
	depth int // brace depth inside the body
}

// braceOutline scans C-family source by brace depth. A declaration header is
// confirmed when a '{' opens before the statement ends.
func braceOutline(cfg braceLang, src []byte) (*outline, error) {
	lines := splitLines(src)
	o := &outline{}
	st := &braceState{cfg: cfg}

	var (
		stack       []openDecl
		pending     *decl
		decorators  []string
		preamble    int
		docText     string
		terminated  = true
		seenImports = map[string]bool{}
	)
	stackIdx := func() []int {
		out := make([]int, len(stack))
		for i, s := range stack {
			out[i] = s.idx
		}
		return out
	}
	reset := func() { preamble, docText, decorators = 0, "", nil }

	for i, raw := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(raw)
		inComment := st.blockComment
		logical := terminated && st.parens == 0 && !st.blockComment && !st.template
		depth := st.depth

		events, last, err := st.scan(raw)
		if err != nil {
			return nil, err
		}

		if trimmed == "" {
			if len(decorators) == 0 {
				preamble, docText = 0, ""
			}
			continue
		}
		if inComment || isCommentLine(trimmed) || (cfg.hashComments && strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, "#[")) {
			if preamble == 0 {
				preamble = n
			}
			if docText == "" {
				docText = commentText(trimmed)
			}
			if last == 0 {
				continue
			}
		}

		if logical && pending == nil {
			code := trimmed
			if cfg.hashComments || !strings.HasPrefix(code, "#") {
				if m := annotationRe.FindString(code); m != "" {
					decorators = append(decorators, strings.TrimSpace(m))
					code = strings.TrimSpace(code[len(m):])
				}
			}
			if code == "" || isAttribute(cfg, code) {
				if code != "" {
					decorators = append(decorators, code)
				}
				if preamble == 0 {
					preamble = n
				}
			} else {
				kind := parentKind(o, stack)
				switch {
				case kind != models.ChunkFunction && kind != models.ChunkMethod && importOf(code) != "":
					if mod := importOf(code); !seenImports[mod] {
						seenImports[mod] = true
						o.imports = append(o.imports, mod)
					}
					reset()
				default:
					if d := braceDecl(cfg, code, kind); d != nil {
						d.line, d.start = n, n
						if preamble > 0 {
							d.start = preamble
						}
						d.doc = docText
						d.decorators = decorators
						d.signature = signatureOf(code)
						pending = d
					} else if preamble > 0 {
						o.stmts = append(o.stmts, preamble)
					} else {
						o.stmts = append(o.stmts, n)
					}
					reset()
				}
			}
		}

		sawOpen := false
		for _, ev := range events {
			switch ev {
			case '{':
				depth++
				sawOpen = true
				if pending != nil {
					pending.end = n
					idx := o.add(*pending, stackIdx())
					stack = append(stack, openDecl{idx: idx, depth: depth})
					pending = nil
				}
			case '}':
				if len(stack) > 0 && stack[len(stack)-1].depth == depth {
					o.decls[stack[len(stack)-1].idx].end = n
					stack = stack[:len(stack)-1]
				}
				depth--
			case ';':
				pending = nil
			}
		}

		if last != 0 {
			terminated = statementEnds(cfg, last, trimmed)
		}
		if pending != nil && terminated && !sawOpen && cfg.optionalSemicolons {
			pending = nil
		}
	}

	if st.depth != 0 || st.blockComment || st.template || st.parens != 0 {
		return nil, errors.New("unbalanced file")
	}
	o.sort()
	return o, nil
}

func parentKind(o *outline, stack []openDecl) models.ChunkType {
	if len(stack) == 0 {
		return ""
	}
	return o.decls[stack[len(stack)-1].idx].kind
}

// braceDecl recognises a declaration header. Typed "<type> name(" headers are
// only considered where a declaration may appear, never inside bodies.
func braceDecl(cfg braceLang, line string, parent models.ChunkType) *decl {
	if m := braceTypeRe.FindStringSubmatch(line); m != nil {
		kind := models.ChunkClass
		switch strings.Fields(m[1])[0] {
		case "interface", "struct", "enum", "trait", "protocol", "union":
			kind = models.ChunkTypeDecl
		}
		name := m[2]
		if name == "" {
			name = strings.Fields(m[1])[0]
		}
		return &decl{name: name, kind: kind}
	}
	if m := braceFuncRe.FindStringSubmatch(line); m != nil {
		return &decl{name: m[1], kind: models.ChunkFunction}
	}
	if m := braceArrowRe.FindStringSubmatch(line); m != nil {
		return &decl{name: m[1], kind: models.ChunkFunction}
	}

	inType := parent == models.ChunkClass || parent == models.ChunkTypeDecl
	if !inType && !(cfg.typedFuncs && parent == "") {
		return nil
	}
	if first := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '(' || r == '\t'
	}); len(first) == 0 || controlWords[first[0]] {
		return nil
	}
	if m := braceMethodRe.FindStringSubmatch(line); m != nil && !controlWords[m[1]] {
		return &decl{name: m[1], kind: models.ChunkFunction}
	}
	return nil
}

func importOf(line string) string {
	for _, re := range braceImportRes {
		if m := re.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// isAttribute reports Rust and C# attribute lines.
func isAttribute(cfg braceLang, line string) bool {
	if strings.HasPrefix(line, "#[") || strings.HasPrefix(line, "#![") {
		return true
	}
	return cfg.typedFuncs && strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]")
}

func isCommentLine(s string) bool {
	return strings.HasPrefix(s, "//") || strings.HasPrefix(s, "/*") || strings.HasPrefix(s, "*")
}

func commentText(s string) string {
	for _, p := range []string{"///", "//!", "//", "/**", "/*", "*/", "*", "#"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "*/")
	return strings.TrimSpace(s)
}

// statementEnds reports whether a line ending in last completes a statement.
func statementEnds(cfg braceLang, last byte, line string) bool {
	switch last {
	case ';', '{', '}':
		return true
	}
	if strings.HasPrefix(line, "#") && last != '\\' {
		return true
	}
	if strings.HasPrefix(line, "@") || (cfg.typedFuncs && strings.HasPrefix(line, "[") && last == ']') {
		return true
	}
	if cfg.optionalSemicolons {
		return !strings.ContainsRune(",([=+-*/%&|<>?:.!", rune(last))
	}
	return false
}
