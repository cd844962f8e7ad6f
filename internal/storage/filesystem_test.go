package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreWriteOnce(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://localhost:8080/static/")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	url, err := store.Put(ctx, "jobs/abc/thumb-1.png", []byte("png"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "http://localhost:8080/static/jobs/abc/thumb-1.png" {
		t.Fatalf("url = %q", url)
	}
	if _, err := store.Write(ctx, "jobs/abc/thumb-1.png", []byte("other")); !errors.Is(err, ErrObjectExists) {
		t.Fatalf("second write error = %v, want ErrObjectExists", err)
	}
	data, err := store.Read(ctx, "jobs/abc/thumb-1.png")
	if err != nil || string(data) != "png" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "jobs", "abc"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("staging files left behind: %v %v", entries, err)
	}
}

func TestFileStoreDeletePrefix(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"jobs/a/one.txt", "jobs/a/nested/two.txt", "jobs/b/keep.txt"} {
		if _, err := store.Write(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Write %s: %v", key, err)
		}
	}
	if err := store.DeletePrefix(ctx, "jobs/a/"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "jobs", "a")); !os.IsNotExist(err) {
		t.Fatalf("prefix still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "jobs", "b", "keep.txt")); err != nil {
		t.Fatalf("sibling removed: %v", err)
	}
	if err := store.DeletePrefix(ctx, "jobs/missing/"); err != nil {
		t.Fatalf("DeletePrefix on missing prefix: %v", err)
	}
	if got := store.URL("jobs/b/keep.txt"); got != "/jobs/b/keep.txt" {
		t.Fatalf("URL = %q", got)
	}
}

func TestFileStoreList(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"jobs/a/variant-2.png", "jobs/a/variant-1.png", "jobs/a/raw/sample-1.txt", "jobs/b/other.png"} {
		if _, err := store.Write(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Write %s: %v", key, err)
		}
	}
	keys, err := store.List(ctx, "jobs/a/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"jobs/a/raw/sample-1.txt", "jobs/a/variant-1.png", "jobs/a/variant-2.png"}
	if len(keys) != len(want) {
		t.Fatalf("List = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("List = %v, want %v", keys, want)
		}
	}
	missing, err := store.List(ctx, "jobs/none/")
	if err != nil || len(missing) != 0 {
		t.Fatalf("List on missing prefix = %v, %v", missing, err)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "jobs/a/b.png", want: "jobs/a/b.png"},
		{in: "/jobs//a/./b.png", want: "jobs/a/b.png"},
		{in: `jobs\a\b.png`, want: "jobs/a/b.png"},
		{in: "../etc/passwd", wantErr: true},
		{in: "..", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tc := range cases {
		got, err := sanitizeKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("sanitizeKey(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
