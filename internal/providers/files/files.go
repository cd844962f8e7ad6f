// Package files uploads training samples to the completion provider and
// reports when they become usable.
package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"creatorstudio/internal/domain"
)

type State string

const (
	StateProcessing State = "processing"
	StateActive     State = "active"
	StateFailed     State = "failed"
)

var ErrFileNotFound = errors.New("files: file not found")

// File is a provider-side handle to uploaded content.
type File struct {
	Name     string `json:"name"`
	URI      string `json:"uri,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	State    State  `json:"state"`
}

type Service interface {
	Upload(ctx context.Context, displayName, mimeType string, data []byte) (*File, error)
	Get(ctx context.Context, name string) (*File, error)
}

// Gemini stores files with the Gemini Files API.
type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey string, client *genai.Client) (*Gemini, error) {
	if client == nil {
		apiKey = strings.TrimSpace(apiKey)
		if apiKey == "" {
			return nil, errors.New("gemini api key is required")
		}
		var err error
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return nil, fmt.Errorf("%w: gemini files client: %v", domain.ErrExternalService, err)
		}
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Upload(ctx context.Context, displayName, mimeType string, data []byte) (*File, error) {
	f, err := g.client.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{
		DisplayName: displayName,
		MIMEType:    mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini upload: %v", domain.ErrExternalService, err)
	}
	return fromGenai(f), nil
}

func (g *Gemini) Get(ctx context.Context, name string) (*File, error) {
	f, err := g.client.Files.Get(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini file %s: %v", domain.ErrExternalService, name, err)
	}
	return fromGenai(f), nil
}

func fromGenai(f *genai.File) *File {
	out := &File{Name: f.Name, URI: f.URI, MIMEType: f.MIMEType, State: StateProcessing}
	switch f.State {
	case genai.FileStateActive:
		out.State = StateActive
	case genai.FileStateFailed:
		out.State = StateFailed
	}
	return out
}

// Local keeps files in memory and activates each one after a fixed number of
// state checks, mimicking the provider's asynchronous processing.
type Local struct {
	mu          sync.Mutex
	activateAt  int
	files       map[string]*File
	checks      map[string]int
	failUploads bool
}

func NewLocal(activateAfter int) *Local {
	return &Local{activateAt: activateAfter, files: map[string]*File{}, checks: map[string]int{}}
}

// FailUploads makes every later Upload return an external service error.
func (l *Local) FailUploads() {
	l.mu.Lock()
	l.failUploads = true
	l.mu.Unlock()
}

func (l *Local) Upload(ctx context.Context, displayName, mimeType string, data []byte) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failUploads {
		return nil, fmt.Errorf("%w: local upload rejected", domain.ErrExternalService)
	}
	name := "files/" + uuid.NewString()
	state := StateProcessing
	if l.activateAt <= 0 {
		state = StateActive
	}
	f := &File{Name: name, URI: "local://" + name, MIMEType: mimeType, State: state}
	l.files[name] = f
	cp := *f
	return &cp, nil
}

func (l *Local) Get(ctx context.Context, name string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[name]
	if !ok {
		return nil, ErrFileNotFound
	}
	l.checks[name]++
	if f.State == StateProcessing && l.checks[name] >= l.activateAt {
		f.State = StateActive
	}
	cp := *f
	return &cp, nil
}

var (
	_ Service = (*Gemini)(nil)
	_ Service = (*Local)(nil)
)
