// Command sqllint checks that every SQL constant starts with a unique
// "--sql <uuid>" marker, the token SQLRunner logs for each query.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	statementRe = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	markerRe    = regexp.MustCompile(`^--sql [0-9a-f]{8}(-[0-9a-f]{4}){3}-[0-9a-f]{12}$`)
)

type finding struct {
	pos   token.Position
	ident string
	msg   string
}

func (f finding) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", f.pos.Filename, f.pos.Line, f.msg, f.ident)
}

type linter struct {
	fset     *token.FileSet
	findings []finding
	markers  map[string]token.Position
}

func newLinter() *linter {
	return &linter{fset: token.NewFileSet(), markers: make(map[string]token.Position)}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: sqllint [dir|file.go ...]")
	}
	flag.Parse()
	os.Exit(run(flag.Args(), os.Stderr))
}

func run(targets []string, stderr io.Writer) int {
	if len(targets) == 0 {
		targets = []string{"."}
	}
	files, err := collect(targets)
	if err != nil {
		fmt.Fprintf(stderr, "sqllint: %v\n", err)
		return 2
	}
	l := newLinter()
	for _, path := range files {
		if err := l.lintFile(path); err != nil {
			fmt.Fprintf(stderr, "sqllint: %v\n", err)
			return 2
		}
	}
	if len(l.findings) == 0 {
		return 0
	}
	fmt.Fprintf(stderr, "sqllint: %d query marker problem(s)\n", len(l.findings))
	for _, f := range l.findings {
		fmt.Fprintln(stderr, "  "+f.String())
	}
	return 1
}

// collect expands targets into a sorted list of non-test Go files. Hidden
// and underscore directories below a target are skipped.
func collect(targets []string) ([]string, error) {
	var files []string
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if isSource(target) {
				files = append(files, target)
			}
			continue
		}
		err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != target && skipDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if isSource(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "testdata"
}

func isSource(path string) bool {
	return strings.HasSuffix(path, ".go") && !strings.HasSuffix(path, "_test.go")
}

func (l *linter) lintFile(path string) error {
	file, err := parser.ParseFile(l.fset, path, nil, 0)
	if err != nil {
		return err
	}
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || (gen.Tok != token.CONST && gen.Tok != token.VAR) {
			continue
		}
		for _, spec := range gen.Specs {
			vs := spec.(*ast.ValueSpec)
			for i, value := range vs.Values {
				lit, ok := value.(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					continue
				}
				ident := "_"
				if i < len(vs.Names) {
					ident = vs.Names[i].Name
				}
				l.check(ident, lit)
			}
		}
	}
	return nil
}

func (l *linter) check(ident string, lit *ast.BasicLit) {
	body, err := strconv.Unquote(lit.Value)
	if err != nil || !statementRe.MatchString(body) {
		return
	}
	pos := l.fset.Position(lit.Pos())
	marker, _, _ := strings.Cut(strings.TrimLeft(body, " \t\r\n"), "\n")
	marker = strings.TrimSpace(marker)
	if !markerRe.MatchString(marker) {
		l.findings = append(l.findings, finding{pos: pos, ident: ident, msg: "missing or malformed --sql <uuid> marker"})
		return
	}
	if prev, dup := l.markers[marker]; dup {
		l.findings = append(l.findings, finding{
			pos:   pos,
			ident: ident,
			msg:   fmt.Sprintf("marker already used at %s:%d", prev.Filename, prev.Line),
		})
		return
	}
	l.markers[marker] = pos
}
