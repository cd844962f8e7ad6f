// Package image renders thumbnail variants for the thumbnailing pipeline.
package image

import (
	"context"
	"strconv"
	"strings"
)

const (
	ProviderGemini    = "gemini"
	ProviderSynthetic = "synthetic"
)

// Request describes one thumbnail render.
type Request struct {
	Prompt      string
	AspectRatio string
	// Seed distinguishes variants rendered from the same prompt.
	Seed string
}

// Image is a rendered thumbnail.
type Image struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
	Provider string
	Model    string
}

// Generator renders a single image per call.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}

// Dimensions returns the pixel size for an aspect ratio at the given width.
func Dimensions(aspect string, width int) (int, int) {
	if width <= 0 {
		width = 1280
	}
	switch strings.TrimSpace(strings.ToLower(aspect)) {
	case "16:9", "":
		return width, width * 9 / 16
	case "9:16":
		return width, width * 16 / 9
	case "4:3":
		return width, width * 3 / 4
	case "1:1", "square":
		return width, width
	default:
		parts := strings.Split(aspect, ":")
		if len(parts) == 2 {
			a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
			b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
			if errA == nil && errB == nil && a > 0 && b > 0 {
				return width, width * b / a
			}
		}
		return width, width * 9 / 16
	}
}

// NormalizeAspect maps an aspect ratio onto one the image API accepts.
func NormalizeAspect(aspect string) string {
	switch strings.TrimSpace(strings.ToLower(aspect)) {
	case "9:16":
		return "9:16"
	case "4:3":
		return "4:3"
	case "1:1", "square":
		return "1:1"
	default:
		return "16:9"
	}
}
