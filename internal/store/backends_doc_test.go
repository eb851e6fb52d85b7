package store

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every backend documents its package and exported API the same way.
func TestBackendsDocumentExports(t *testing.T) {
	for _, dir := range []string{"pg", "sqlite", "redis"} {
		t.Run(dir, func(t *testing.T) {
			fset := token.NewFileSet()
			files, err := filepath.Glob(filepath.Join(dir, "*.go"))
			require.NoError(t, err)

			hasPackageDoc := false
			for _, path := range files {
				if strings.HasSuffix(path, "_test.go") {
					continue
				}
				f, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
				require.NoError(t, err)
				if f.Doc != nil {
					hasPackageDoc = true
				}
				for _, decl := range f.Decls {
					switch d := decl.(type) {
					case *ast.FuncDecl:
						if d.Name.IsExported() && exportedReceiver(d) {
							assert.NotNil(t, d.Doc, "%s: %s is undocumented", path, d.Name.Name)
						}
					case *ast.GenDecl:
						if d.Tok != token.TYPE {
							continue
						}
						for _, spec := range d.Specs {
							ts := spec.(*ast.TypeSpec)
							if ts.Name.IsExported() {
								assert.True(t, d.Doc != nil || ts.Doc != nil, "%s: type %s is undocumented", path, ts.Name.Name)
							}
						}
					}
				}
			}
			assert.True(t, hasPackageDoc, "package %s has no doc comment", dir)
		})
	}
}

func exportedReceiver(d *ast.FuncDecl) bool {
	if d.Recv == nil || len(d.Recv.List) == 0 {
		return true
	}
	typ := d.Recv.List[0].Type
	if star, ok := typ.(*ast.StarExpr); ok {
		typ = star.X
	}
	id, ok := typ.(*ast.Ident)
	return ok && id.IsExported()
}
