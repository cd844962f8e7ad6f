package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	stdimage "image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
)

// Synthetic renders deterministic placeholder thumbnails. It is the
// generator used when no image API key is configured.
type Synthetic struct {
	width int
}

func NewSynthetic() *Synthetic {
	return &Synthetic{width: 640}
}

func (s *Synthetic) Generate(ctx context.Context, req Request) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	width, height := Dimensions(req.AspectRatio, s.width)
	seed := deterministicSeed(req.Prompt, req.AspectRatio, req.Seed)
	data, err := renderSyntheticImage(width, height, seed)
	if err != nil {
		return nil, err
	}
	return &Image{
		Data:     data,
		MIMEType: "image/png",
		Width:    width,
		Height:   height,
		Provider: ProviderSynthetic,
		Model:    ProviderSynthetic,
	}, nil
}

func renderSyntheticImage(width, height int, seed string) ([]byte, error) {
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &stdimage.Uniform{colorFromSeed(seed, 0)}, stdimage.Point{}, draw.Src)

	accent := colorFromSeed(seed, 1)
	band := max(24, height/10)
	for y := 0; y < height; y += band * 2 {
		stripe := stdimage.Rect(0, y, width, min(height, y+band))
		draw.Draw(img, stripe, &stdimage.Uniform{accent}, stdimage.Point{}, draw.Over)
	}

	diagonal := colorFromSeed(seed, 2)
	step := max(16, width/24)
	for x := 0; x < width; x += step {
		for y := 0; y < height && x+y < width; y++ {
			img.Set(x+y, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("image: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func colorFromSeed(seed string, shift int) color.RGBA {
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{R: hexByte(segment[0:2]), G: hexByte(segment[2:4]), B: hexByte(segment[4:6]), A: 255}
}

func hexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func deterministicSeed(parts ...string) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(part))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:18]
}

var _ Generator = (*Synthetic)(nil)
