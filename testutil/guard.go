// Package testutil provides helpers that keep the layering of the module honest:
// domain types stay free of infrastructure, the engine stays free of delivery
// surfaces, and stores depend only on the domain.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// ModulePath is the import path prefix of this module.
const ModulePath = "cocoaquota"

// AssertNoDirectImports scans the non-test .go files in dir and fails if any
// import path satisfies forbidden. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfViolations(t, reason, viols)
}

// AssertModuleImportsWithin fails when a non-test file in dir imports a package
// of this module that is not listed in allowed.
func AssertModuleImportsWithin(t testing.TB, dir string, allowed ...string) {
	t.Helper()
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	AssertNoDirectImports(t, dir, func(ip string) bool {
		if !ModuleImport(ip) {
			return false
		}
		_, ok := set[ip]
		return !ok
	}, "only "+strings.Join(allowed, ", ")+" may be imported from this module")
}

// ModuleImport reports whether path belongs to this module.
func ModuleImport(path string) bool {
	return path == ModulePath || strings.HasPrefix(path, ModulePath+"/")
}

// InternalImportForbidden matches any import under an internal/ tree.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/") || strings.HasSuffix(path, "/internal")
}

// SurfaceImportForbidden matches the delivery surfaces built on top of the
// engine: HTTP adapters, the upload pipeline and certificate issuance.
func SurfaceImportForbidden(path string) bool {
	for _, p := range []string{"/internal/adapters", "/internal/pipeline", "/internal/certificate", "/cmd/"} {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		path := filepath.Join(dir, name)
		file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	sort.Strings(viols)
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden direct imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
