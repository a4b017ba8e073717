package logging

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// TestNoStdlibLogUsage keeps every package other than this one on the
// leveled helpers.
func TestNoStdlibLogUsage(t *testing.T) {
	repoRoot := filepath.Clean(filepath.Join("..", ".."))
	self, err := filepath.Abs(".")
	if err != nil {
		t.Fatalf("Abs() error = %v", err)
	}

	fset := token.NewFileSet()
	err = filepath.WalkDir(repoRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			name := d.Name()
			// The go tool ignores directories starting with "_" or "."; so do we.
			if path != repoRoot && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "vendor") {
				return filepath.SkipDir
			}
			if abs, _ := filepath.Abs(path); abs == self {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}

		file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, imp := range file.Imports {
			if p, _ := strconv.Unquote(imp.Path.Value); p == "log" || p == "log/slog" {
				t.Errorf("%s imports %q; use otaupdater/internal/logging instead", path, p)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
}
