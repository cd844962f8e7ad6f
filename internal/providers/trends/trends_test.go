package trends

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"creatorstudio/internal/domain"
)

func TestHTTPSourceRanksAndLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("niche") != "cooking" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"signals":[{"topic":"air fryer","score":0.4},{"topic":" ","score":0.9},{"topic":"meal prep","score":0.8},{"topic":"sourdough","score":0.6}]}`)
	}))
	defer srv.Close()

	got, err := NewHTTPSource(srv.URL, srv.Client()).Trending(context.Background(), "cooking", 2)
	if err != nil {
		t.Fatalf("Trending: %v", err)
	}
	if len(got) != 2 || got[0].Topic != "meal prep" || got[1].Topic != "sourdough" {
		t.Fatalf("signals = %+v", got)
	}
	if got[0].Source != "feed" {
		t.Fatalf("source = %q", got[0].Source)
	}
}

func TestHTTPSourceStatusIsExternalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, nil).Trending(context.Background(), "cooking", 3)
	if !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("error = %v, want ErrExternalService", err)
	}
}

func TestStaticSource(t *testing.T) {
	got, err := NewStaticSource().Trending(context.Background(), "gardening", 3)
	if err != nil {
		t.Fatalf("Trending: %v", err)
	}
	if len(got) != 3 || got[0].Topic != "gardening beginner mistakes" {
		t.Fatalf("signals = %+v", got)
	}
}
