// Package trends supplies topical signals that seed ideation and scripting.
package trends

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"creatorstudio/internal/domain"
)

// Signal is one trending topic with a relative score.
type Signal struct {
	Topic  string  `json:"topic"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

type Source interface {
	Trending(ctx context.Context, niche string, limit int) ([]Signal, error)
}

// HTTPSource reads signals from a JSON feed: GET {base}?niche=..&limit=..
// answering {"signals":[{"topic":..,"score":..}]}.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimSpace(baseURL), client: client}
}

func (s *HTTPSource) Trending(ctx context.Context, niche string, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 5
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("trends: parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("niche", niche)
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("trends: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: trends feed: %v", domain.ErrExternalService, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: trends feed status %d", domain.ErrExternalService, resp.StatusCode)
	}
	var out struct {
		Signals []Signal `json:"signals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode trends feed: %v", domain.ErrExternalService, err)
	}
	return rank(out.Signals, "feed", limit), nil
}

// StaticSource derives signals from the niche itself.
type StaticSource struct{}

func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

var staticAngles = []string{"beginner mistakes", "myths debunked", "day in the life", "tools under $50", "what nobody tells you", "30 day challenge"}

func (s *StaticSource) Trending(ctx context.Context, niche string, limit int) ([]Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	niche = strings.TrimSpace(niche)
	if niche == "" {
		niche = "creators"
	}
	signals := make([]Signal, 0, len(staticAngles))
	for i, angle := range staticAngles {
		signals = append(signals, Signal{
			Topic: fmt.Sprintf("%s %s", niche, angle),
			Score: 1 - float64(i)*0.1,
		})
	}
	return rank(signals, "static", limit), nil
}

func rank(signals []Signal, source string, limit int) []Signal {
	out := make([]Signal, 0, len(signals))
	for _, s := range signals {
		s.Topic = strings.TrimSpace(s.Topic)
		if s.Topic == "" {
			continue
		}
		if s.Source == "" {
			s.Source = source
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	_ Source = (*HTTPSource)(nil)
	_ Source = (*StaticSource)(nil)
)
