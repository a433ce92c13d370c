package api

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"net/http"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/micro-nova/sensorsim/internal/models"
)

const (
	cardWidth  = 480
	lineHeight = 16
	cardMargin = 8
)

var (
	cardBackground = color.RGBA{0x10, 0x18, 0x20, 0xff}
	cardText       = color.RGBA{0xe0, 0xe0, 0xe0, 0xff}
	cardHeading    = color.RGBA{0x60, 0xc0, 0xff, 0xff}
	lineHigh       = color.RGBA{0x40, 0xd0, 0x40, 0xff}
	lineLow        = color.RGBA{0xd0, 0x40, 0x40, 0xff}
)

// statusPNG renders a status card: one row per peripheral with its bus
// address and the level of each of its board lines.
func (h *Handlers) statusPNG(w http.ResponseWriter, r *http.Request) {
	img := renderStatus(h.board.Info(h.version), h.board.List())
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, img); err != nil {
		slog.Warn("api: status card encode failed", "err", err)
	}
}

func renderStatus(info models.Info, ps []models.PeripheralInfo) *image.RGBA {
	height := 2*cardMargin + (len(ps)+2)*lineHeight
	img := image.NewRGBA(image.Rect(0, 0, cardWidth, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{cardBackground}, image.Point{}, draw.Src)

	y := cardMargin + lineHeight
	drawText(img, cardMargin, y, fmt.Sprintf("%s  up %s", info.Board, info.Uptime), cardHeading)
	for _, p := range ps {
		y += lineHeight
		addr := fmt.Sprintf("0x%02x", p.Address)
		drawText(img, cardMargin, y, fmt.Sprintf("%-8s %-9s %-5s %s", p.Name, p.Kind, p.Bus, addr), cardText)

		names := make([]string, 0, len(p.Lines))
		for n := range p.Lines {
			names = append(names, n)
		}
		sort.Strings(names)
		x := cardMargin + 36*7
		for _, n := range names {
			c := lineLow
			if p.Lines[n] {
				c = lineHigh
			}
			drawText(img, x, y, n, c)
			x += (len(n) + 1) * 7
		}
	}
	return img
}

// drawText draws text with its baseline at y.
func drawText(dst draw.Image, x, y int, text string, col color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
