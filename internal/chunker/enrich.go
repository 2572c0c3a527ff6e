package chunker

import (
	"fmt"
	"strings"

	"github.com/seanblong/repoindex/pkg/models"
)

const (
	maxHeaderImports    = 8
	maxHeaderDecorators = 8
	maxDocLen           = 150
	codeMarker          = "# ===== CODE ====="
)

// describe picks the declaration a core belongs to: the innermost one
// enclosing its first line, else the first one starting inside it.
func describe(o *outline, language string, core span) (models.ChunkType, models.ContextMetadata) {
	fallback := models.ChunkModule
	if language == "markdown" {
		fallback = models.ChunkDoc
	}
	if o == nil {
		return fallback, models.ContextMetadata{}
	}

	meta := models.ContextMetadata{Imports: o.imports}
	primary := -1
	for i, d := range o.decls {
		if d.start <= core.start && core.start <= d.end {
			if primary < 0 || d.depth >= o.decls[primary].depth {
				primary = i
			}
		}
	}
	continuation := primary >= 0 && o.decls[primary].start < core.start
	if primary < 0 {
		for i, d := range o.decls {
			if core.contains(d.start) {
				primary = i
				break
			}
		}
	}
	if primary < 0 {
		return fallback, meta
	}

	d := o.decls[primary]
	meta.Enclosing = d.name
	meta.Signature = scopeOf(o, primary)
	meta.Receiver = d.receiver
	meta.Decorators = d.decorators
	meta.Doc = truncate(d.doc, maxDocLen)
	meta.HasDoc = d.doc != ""

	if continuation && d.kind != models.ChunkDoc {
		return models.ChunkBlock, meta
	}
	return d.kind, meta
}

// scopeOf joins the signatures from the outermost declaration down to idx.
func scopeOf(o *outline, idx int) string {
	var chain []string
	for i := idx; i >= 0; i = o.decls[i].parent {
		chain = append(chain, o.decls[i].signature)
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return strings.Join(chain, " > ")
}

// header renders the context block that precedes the code in Chunk.Text.
func header(ch models.Chunk) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("# File: %s", ch.Path)
	line("# Language: %s", ch.Language)
	if imps := ch.Context.Imports; len(imps) > 0 {
		if len(imps) > maxHeaderImports {
			line("# Imports: %s (+%d more)", strings.Join(imps[:maxHeaderImports], ", "), len(imps)-maxHeaderImports)
		} else {
			line("# Imports: %s", strings.Join(imps, ", "))
		}
	}
	if ch.Context.Signature != "" {
		line("# Scope: %s", ch.Context.Signature)
	}
	if decs := ch.Context.Decorators; len(decs) > 0 {
		if len(decs) > maxHeaderDecorators {
			decs = decs[:maxHeaderDecorators]
		}
		line("# Decorators: %s", strings.Join(decs, ", "))
	}
	if ch.Context.Doc != "" {
		line("# Doc: %s", ch.Context.Doc)
	}
	line("# Type: %s", ch.Type)
	line("# Lines: %d-%d (%d lines)", ch.LineStart, ch.LineEnd, ch.LineEnd-ch.LineStart+1)
	line(codeMarker)
	return b.String()
}

// CodeOf strips the context header from a chunk text.
func CodeOf(text string) string {
	if _, code, ok := strings.Cut(text, codeMarker+"\n"); ok {
		return code
	}
	return text
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
