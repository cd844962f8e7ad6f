package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Static produces deterministic replies without calling a remote service.
// Used when no provider key is configured and in tests.
type Static struct{}

func NewStatic() *Static {
	return &Static{}
}

func (s *Static) Name() string { return ProviderStatic }

func (s *Static) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt, err := userPrompt(req)
	if err != nil {
		return nil, err
	}
	caser := cases.Title(localeTag(req.Locale))
	var text string
	if req.Shape != nil {
		raw, err := json.Marshal(req.Shape)
		if err != nil {
			return nil, fmt.Errorf("completion: encode shape: %w", err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("completion: decode shape: %w", err)
		}
		out, err := json.Marshal(titleStrings(doc, caser))
		if err != nil {
			return nil, err
		}
		text = string(out)
	} else {
		text = caser.String(summarize(req.Prompt, 160))
	}
	return &Response{
		Text:     text,
		Tokens:   EstimateTokens(systemPrompt(req), prompt, text),
		Provider: ProviderStatic,
		Model:    ProviderStatic,
	}, nil
}

func titleStrings(v any, caser cases.Caser) any {
	switch t := v.(type) {
	case string:
		return caser.String(t)
	case []any:
		for i := range t {
			t[i] = titleStrings(t[i], caser)
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = titleStrings(val, caser)
		}
		return t
	default:
		return v
	}
}

func summarize(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func localeTag(locale string) language.Tag {
	if locale == "" {
		return language.Und
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return language.Und
	}
	return tag
}

var _ Provider = (*Static)(nil)
