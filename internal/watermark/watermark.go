// Package watermark renders export badges. Plans that carry the watermark
// flag get a "Made with BrandForge" strip burned into the image.
package watermark

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	badgeWidth    = 640
	badgeHeight   = 360
	stripHeight   = 28
	watermarkText = "Made with BrandForge"
)

var regular *truetype.Font

func init() {
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		panic(fmt.Sprintf("watermark: parse bundled font: %v", err))
	}
	regular = f
}

// Badge renders a PNG brand badge. When marked is true the watermark strip
// is drawn along the bottom edge.
func Badge(brandName string, marked bool) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, badgeWidth, badgeHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{24, 28, 38, 255}}, image.Point{}, draw.Src)

	if err := drawText(img, brandName, 36, 40, badgeHeight/2, color.RGBA{240, 240, 245, 255}); err != nil {
		return nil, err
	}

	if marked {
		strip := image.Rect(0, badgeHeight-stripHeight, badgeWidth, badgeHeight)
		draw.Draw(img, strip, &image.Uniform{color.RGBA{0, 0, 0, 160}}, image.Point{}, draw.Over)
		if err := drawText(img, watermarkText, 14, 10, badgeHeight-9, color.RGBA{220, 220, 220, 255}); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode badge: %w", err)
	}
	return buf.Bytes(), nil
}

func drawText(dst *image.RGBA, text string, size float64, x, y int, c color.Color) error {
	fc := freetype.NewContext()
	fc.SetDPI(72)
	fc.SetFont(regular)
	fc.SetFontSize(size)
	fc.SetClip(dst.Bounds())
	fc.SetDst(dst)
	fc.SetSrc(&image.Uniform{c})
	fc.SetHinting(font.HintingFull)

	if _, err := fc.DrawString(text, freetype.Pt(x, y)); err != nil {
		return fmt.Errorf("draw %q: %w", text, err)
	}
	return nil
}
