package files

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"creatorstudio/internal/domain"
)

func TestLocalActivatesAfterChecks(t *testing.T) {
	svc := NewLocal(2)
	ctx := context.Background()

	f, err := svc.Upload(ctx, "sample-1", "text/plain", []byte("hello"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if f.State != StateProcessing {
		t.Fatalf("state after upload = %s", f.State)
	}
	f, _ = svc.Get(ctx, f.Name)
	if f.State != StateProcessing {
		t.Fatalf("state after one check = %s", f.State)
	}
	f, _ = svc.Get(ctx, f.Name)
	if f.State != StateActive {
		t.Fatalf("state after two checks = %s", f.State)
	}
	if _, err := svc.Get(ctx, "files/missing"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("missing file error = %v", err)
	}
}

func TestLocalFailUploads(t *testing.T) {
	svc := NewLocal(0)
	svc.FailUploads()
	if _, err := svc.Upload(context.Background(), "x", "text/plain", nil); !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("error = %v", err)
	}
}

func TestFromGenaiState(t *testing.T) {
	cases := map[genai.FileState]State{
		genai.FileStateActive:     StateActive,
		genai.FileStateFailed:     StateFailed,
		genai.FileStateProcessing: StateProcessing,
	}
	for in, want := range cases {
		if got := fromGenai(&genai.File{Name: "files/a", State: in}).State; got != want {
			t.Fatalf("fromGenai(%s) = %s, want %s", in, got, want)
		}
	}
}
