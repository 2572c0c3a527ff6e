package chunker

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/pkg/models"
)

// decl is a declaration found by a grammar. Lines are 1-based and inclusive;
// start includes any attached doc comment and decorators.
type decl struct {
	start, line, end int
	depth            int
	parent           int // index into outline.decls, -1 at top level
	name             string
	signature        string
	kind             models.ChunkType
	receiver         string
	doc              string
	decorators       []string
}

// outline is the structure a grammar extracts from one file.
type outline struct {
	imports []string
	decls   []decl
	stmts   []int
}

// grammar builds an outline. An error sends the file to the fixed-window fallback.
type grammar func(src []byte) (*outline, error)

var grammars = map[string]grammar{
	"go":       goOutline,
	"python":   pythonOutline,
	"markdown": markdownOutline,
}

func init() {
	for _, lang := range []string{
		"javascript", "jsx", "typescript", "tsx", "java", "kotlin", "scala",
		"c", "cpp", "csharp", "rust", "swift", "php",
	} {
		grammars[lang] = braceGrammar(lang)
	}
}

// HasGrammar reports whether language gets structural chunking.
func HasGrammar(language string) bool {
	_, ok := grammars[language]
	return ok
}

// outlineFor never fails: a missing grammar, an error or a panic all yield nil.
func outlineFor(language string, src []byte, n int) (o *outline) {
	g, ok := grammars[language]
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("language", language).Interface("panic", r).Msg("grammar panicked, using fixed windows")
			o = nil
		}
	}()
	o, err := g(src)
	if err != nil {
		log.Debug().Err(err).Str("language", language).Msg("outline failed, using fixed windows")
		return nil
	}
	if err := o.validate(n); err != nil {
		log.Debug().Err(err).Str("language", language).Msg("outline rejected, using fixed windows")
		return nil
	}
	return o
}

func (o *outline) validate(n int) error {
	for _, d := range o.decls {
		if d.start < 1 || d.end > n || d.start > d.line || d.line > d.end {
			return fmt.Errorf("declaration %q has bad range %d-%d-%d", d.name, d.start, d.line, d.end)
		}
	}
	if !slices.IsSortedFunc(o.decls, func(a, b decl) int { return a.start - b.start }) {
		return fmt.Errorf("declarations out of order")
	}
	return nil
}

// tiers returns break preferences: top-level declaration starts, then
// nested declaration and statement starts.
func (o *outline) tiers(n int) [][]bool {
	top := make([]bool, n+2)
	nested := make([]bool, n+2)
	for _, d := range o.decls {
		if d.depth == 0 {
			top[d.start] = true
		} else {
			nested[d.start] = true
		}
	}
	for _, s := range o.stmts {
		if s >= 1 && s <= n {
			nested[s] = true
		}
	}
	return [][]bool{top, nested}
}

// add appends d, linking it to the innermost open declaration in stack.
// It returns the new index.
func (o *outline) add(d decl, stack []int) int {
	d.parent = -1
	d.depth = len(stack)
	if len(stack) > 0 {
		d.parent = stack[len(stack)-1]
		p := o.decls[d.parent]
		if d.kind == models.ChunkFunction && (p.kind == models.ChunkClass || p.kind == models.ChunkTypeDecl) {
			d.kind = models.ChunkMethod
		}
		if p.name != "" && d.name != "" {
			d.name = p.name + "." + d.name
		}
	}
	o.decls = append(o.decls, d)
	return len(o.decls) - 1
}

func (o *outline) sort() {
	// parents are stored as indices, so remap after sorting
	idx := make([]int, len(o.decls))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return o.decls[a].start - o.decls[b].start })
	pos := make([]int, len(idx))
	sorted := make([]decl, len(idx))
	for newPos, old := range idx {
		pos[old] = newPos
		sorted[newPos] = o.decls[old]
	}
	for i := range sorted {
		if sorted[i].parent >= 0 {
			sorted[i].parent = pos[sorted[i].parent]
		}
	}
	o.decls = sorted
	slices.Sort(o.stmts)
	o.stmts = slices.Compact(o.stmts)
}

// signatureOf trims a declaration line down to its header.
func signatureOf(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimSuffix(s, "{")
	s = strings.TrimSuffix(strings.TrimSpace(s), ":")
	return strings.TrimSpace(s)
}

// firstLine returns the first non-blank line of a comment or docstring body.
func firstLine(s string) string {
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			return l
		}
	}
	return ""
}

func splitLines(src []byte) []string {
	s := string(src)
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}
