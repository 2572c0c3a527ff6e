package chunker

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/seanblong/repoindex/pkg/models"
)

// goOutline parses Go source with go/parser. Any syntax error rejects the file.
func goOutline(src []byte) (*outline, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	lines := splitLines(src)
	line := func(p token.Pos) int { return fset.Position(p).Line }
	text := func(n int) string {
		if n < 1 || n > len(lines) {
			return ""
		}
		return lines[n-1]
	}

	o := &outline{}
	for _, imp := range file.Imports {
		o.imports = append(o.imports, strings.Trim(imp.Path.Value, "`\""))
	}

	for _, d := range file.Decls {
		switch d := d.(type) {
		case *ast.FuncDecl:
			fd := decl{
				line:      line(d.Pos()),
				end:       line(d.End()),
				name:      d.Name.Name,
				kind:      models.ChunkFunction,
				signature: signatureOf(text(line(d.Pos()))),
			}
			fd.start = fd.line
			if d.Doc != nil {
				fd.start = line(d.Doc.Pos())
				fd.doc = firstLine(d.Doc.Text())
			}
			if d.Recv != nil && len(d.Recv.List) > 0 {
				fd.kind = models.ChunkMethod
				fd.receiver = receiverType(d.Recv.List[0].Type)
				fd.name = fd.receiver + "." + fd.name
			}
			o.add(fd, nil)
			if d.Body != nil {
				o.stmts = append(o.stmts, goStatements(d.Body, line)...)
			}

		case *ast.GenDecl:
			if d.Tok == token.IMPORT {
				continue
			}
			gd := decl{
				line:      line(d.Pos()),
				end:       line(d.End()),
				signature: signatureOf(text(line(d.Pos()))),
			}
			gd.start = gd.line
			if d.Doc != nil {
				gd.start = line(d.Doc.Pos())
				gd.doc = firstLine(d.Doc.Text())
			}
			switch d.Tok {
			case token.TYPE:
				gd.kind = models.ChunkTypeDecl
			default:
				gd.kind = models.ChunkVariable
			}
			if d.Lparen.IsValid() {
				gd.signature = fmt.Sprintf("%s (...)", d.Tok)
			} else if len(d.Specs) > 0 {
				gd.name = specName(d.Specs[0])
			}
			parent := o.add(gd, nil)

			// grouped specs and large struct bodies may be split between members
			for _, s := range d.Specs {
				if d.Lparen.IsValid() {
					sd := decl{line: line(s.Pos()), end: line(s.End()), name: specName(s), kind: gd.kind}
					sd.start = sd.line
					if doc := specDoc(s); doc != nil {
						sd.start = line(doc.Pos())
						sd.doc = firstLine(doc.Text())
					}
					sd.signature = signatureOf(text(sd.line))
					o.add(sd, []int{parent})
				}
				if ts, ok := s.(*ast.TypeSpec); ok {
					o.stmts = append(o.stmts, fieldLines(ts, line)...)
				}
			}
		}
	}
	o.sort()
	return o, nil
}

func goStatements(body *ast.BlockStmt, line func(token.Pos) int) []int {
	var out []int
	ast.Inspect(body, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.BlockStmt:
			return true
		case *ast.FuncLit:
			// closures are split like the statements around them
			return true
		case ast.Stmt:
			out = append(out, line(n.Pos()))
		}
		return true
	})
	return out
}

func fieldLines(ts *ast.TypeSpec, line func(token.Pos) int) []int {
	var fields *ast.FieldList
	switch t := ts.Type.(type) {
	case *ast.StructType:
		fields = t.Fields
	case *ast.InterfaceType:
		fields = t.Methods
	}
	if fields == nil {
		return nil
	}
	var out []int
	for _, f := range fields.List {
		if f.Doc != nil {
			out = append(out, line(f.Doc.Pos()))
		} else {
			out = append(out, line(f.Pos()))
		}
	}
	return out
}

func specName(s ast.Spec) string {
	switch s := s.(type) {
	case *ast.TypeSpec:
		return s.Name.Name
	case *ast.ValueSpec:
		if len(s.Names) > 0 {
			return s.Names[0].Name
		}
	}
	return ""
}

func specDoc(s ast.Spec) *ast.CommentGroup {
	switch s := s.(type) {
	case *ast.TypeSpec:
		return s.Doc
	case *ast.ValueSpec:
		return s.Doc
	}
	return nil
}

func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	}
	return ""
}
