package covergen

import (
	"bytes"
	"fmt"
	"image/color"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

const (
	coverWidth  = 600
	coverHeight = 800
)

// Generator renders a title-card PNG for documents uploaded without a
// cover image. Cover generation is always best-effort; callers log and
// move on when it fails.
type Generator interface {
	Generate(title, docType string, year int) (bytes.Buffer, error)
}

type generator struct {
	log        *logger.Logger
	titleFace  font.Face
	footerFace font.Face
}

func NewGenerator(log *logger.Logger) (Generator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "CoverGenerator")

	g := &generator{log: slog}

	fontPath := envutil.Str("COVER_FONT_PATH", "")
	if fontPath != "" {
		titleFace, err := loadFontFace(fontPath, 36)
		if err != nil {
			return nil, fmt.Errorf("could not load cover font: %w", err)
		}
		footerFace, err := loadFontFace(fontPath, 20)
		if err != nil {
			return nil, fmt.Errorf("could not load cover font: %w", err)
		}
		g.titleFace = titleFace
		g.footerFace = footerFace
		slog.Info("cover font loaded", "font", fontPath)
	}

	return g, nil
}

func (g *generator) Generate(title, docType string, year int) (bytes.Buffer, error) {
	var buf bytes.Buffer

	title = strings.TrimSpace(title)
	if title == "" {
		return buf, fmt.Errorf("title required")
	}

	dc := gg.NewContext(coverWidth, coverHeight)

	dc.SetColor(bgColorFor(docType))
	dc.DrawRectangle(0, 0, coverWidth, coverHeight)
	dc.Fill()

	dc.SetColor(color.White)
	dc.DrawRectangle(40, 40, coverWidth-80, coverHeight-80)
	dc.Fill()

	if g.titleFace != nil {
		dc.SetFontFace(g.titleFace)
	}
	dc.SetColor(color.NRGBA{R: 0x20, G: 0x29, B: 0x39, A: 0xFF})
	dc.DrawStringWrapped(title, coverWidth/2, coverHeight*0.42, 0.5, 0.5, coverWidth-140, 1.4, gg.AlignCenter)

	if g.footerFace != nil {
		dc.SetFontFace(g.footerFace)
	}
	footer := strings.ToUpper(strings.TrimSpace(docType))
	if year > 0 {
		footer = fmt.Sprintf("%s %d", footer, year)
	}
	dc.SetColor(color.NRGBA{R: 0x6B, G: 0x72, B: 0x80, A: 0xFF})
	dc.DrawStringAnchored(strings.TrimSpace(footer), coverWidth/2, coverHeight-100, 0.5, 0.5)

	if err := dc.EncodePNG(&buf); err != nil {
		return buf, fmt.Errorf("encode png: %w", err)
	}
	return buf, nil
}

func bgColorFor(docType string) color.NRGBA {
	switch strings.ToLower(strings.TrimSpace(docType)) {
	case "brs":
		return color.NRGBA{R: 0x0F, G: 0x4C, B: 0x81, A: 0xFF}
	default:
		return color.NRGBA{R: 0x1B, G: 0x5E, B: 0x20, A: 0xFF}
	}
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read font file: %w", err)
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	return truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}
