package carrier

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const modulePath = "github.com/xirs/xirs/"

// TestCarrierCannotReachTrust walks the module-local import graph of this
// package and fails if any path leads to code able to open packets.
func TestCarrierCannotReachTrust(t *testing.T) {
	root, err := filepath.Abs(filepath.Join("..", ".."))
	if err != nil {
		t.Fatal(err)
	}
	forbidden := map[string]bool{
		"internal/trust":  true,
		"internal/packet": true,
	}

	seen := map[string]bool{}
	var walk func(rel string, chain []string)
	walk = func(rel string, chain []string) {
		if seen[rel] {
			return
		}
		seen[rel] = true
		chain = append(chain, rel)
		if forbidden[rel] {
			t.Errorf("carrier reaches %s via %s", rel, strings.Join(chain, " -> "))
			return
		}
		for _, imp := range localImports(t, filepath.Join(root, rel)) {
			walk(imp, chain)
		}
	}
	walk("internal/carrier", nil)

	if !seen["internal/chunk"] {
		t.Error("expected the walk to see internal/chunk; is the module path right?")
	}
}

func localImports(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	fset := token.NewFileSet()
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", name, err)
		}
		for _, spec := range f.Imports {
			path, _ := strconv.Unquote(spec.Path.Value)
			if strings.HasPrefix(path, modulePath) {
				out = append(out, strings.TrimPrefix(path, modulePath))
			}
		}
	}
	return out
}
