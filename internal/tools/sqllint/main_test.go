package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSource(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLintFileFlagsMissingMarker(t *testing.T) {
	dir := t.TempDir()
	path := writeSource(t, dir, "q.go", "package q\n\nconst QBad = `select 1;`\n\nconst QGood = `--sql 0c8cec9d-2d96-42ae-8e44-efe0358af267\nselect 1;\n`\n")
	l := newLinter()
	if err := l.lintFile(path); err != nil {
		t.Fatalf("lintFile: %v", err)
	}
	if len(l.findings) != 1 || l.findings[0].ident != "QBad" {
		t.Fatalf("violations = %+v, want one for QBad", l.findings)
	}
}

func TestLintFileFlagsDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	query := "`--sql 16255983-29c4-4531-9e19-b226252897c9\nupdate jobs set queue_ref = $2;\n`"
	a := writeSource(t, dir, "a.go", "package q\n\nconst QFirst = "+query+"\n")
	b := writeSource(t, dir, "b.go", "package q\n\nconst QSecond = "+query+"\n")
	l := newLinter()
	for _, p := range []string{a, b} {
		if err := l.lintFile(p); err != nil {
			t.Fatalf("lintFile: %v", err)
		}
	}
	if len(l.findings) != 1 {
		t.Fatalf("violations = %+v, want exactly one", l.findings)
	}
	if v := l.findings[0]; v.ident != "QSecond" || !strings.Contains(v.msg, "a.go:3") {
		t.Fatalf("unexpected violation %+v", v)
	}
}

func TestLintFileIgnoresPlainStrings(t *testing.T) {
	dir := t.TempDir()
	path := writeSource(t, dir, "msg.go", "package q\n\nconst msg = \"work item completed without a stored result\"\n")
	l := newLinter()
	if err := l.lintFile(path); err != nil {
		t.Fatalf("lintFile: %v", err)
	}
	if len(l.findings) != 0 {
		t.Fatalf("violations = %+v, want none", l.findings)
	}
}

func TestRunSkipsTestFilesAndHiddenDirs(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "q_test.go", "package q\n\nconst QFixture = `select 1;`\n")
	hidden := filepath.Join(dir, "_scratch")
	if err := os.Mkdir(hidden, 0o755); err != nil {
		t.Fatal(err)
	}
	writeSource(t, hidden, "x.go", "package x\n\nconst QLoose = `delete from jobs;`\n")

	var stderr strings.Builder
	if code := run([]string{dir}, &stderr); code != 0 {
		t.Fatalf("run = %d, output %s", code, stderr.String())
	}

	writeSource(t, dir, "q.go", "package q\n\nconst QBad = `update jobs set status = 'failed';`\n")
	stderr.Reset()
	if code := run([]string{dir}, &stderr); code != 1 {
		t.Fatalf("run = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "QBad") {
		t.Fatalf("output %q does not name QBad", stderr.String())
	}
}
