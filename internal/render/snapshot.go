// Package render draws the current position to a PNG file for the stream overlay.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/Cheese-Twitch-bot/internal/oracle"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	defaultSquareSize = 64
	boardMargin       = 20
)

var (
	lightSquare     = color.RGBA{233, 207, 163, 255}
	darkSquare      = color.RGBA{187, 136, 96, 255}
	lastMoveFill    = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	frameColor      = color.RGBA{28, 31, 46, 255}
	coordinateColor = color.RGBA{204, 210, 236, 255}
	whiteToken      = color.RGBA{248, 248, 248, 255}
	blackToken      = color.RGBA{48, 48, 48, 255}
)

// Snapshotter renders boards and writes them atomically to path.
type Snapshotter struct {
	path       string
	squareSize int
	logger     *zap.Logger
}

type Option func(*Snapshotter)

func WithSquareSize(px int) Option {
	return func(s *Snapshotter) {
		if px >= 16 {
			s.squareSize = px
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Snapshotter) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSnapshotter(path string, opts ...Option) *Snapshotter {
	s := &Snapshotter{path: strings.TrimSpace(path), squareSize: defaultSquareSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ObserveBoard renders fen from perspective's side and replaces the snapshot file.
func (s *Snapshotter) ObserveBoard(ctx context.Context, fen, lastMoveUCI string, perspective oracle.Color) error {
	if s == nil || s.path == "" {
		return nil
	}
	data, err := s.RenderPNG(ctx, fen, lastMoveUCI, perspective)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	s.logger.Debug("board_snapshot_written", zap.String("path", s.path), zap.String("last_move", lastMoveUCI))
	return nil
}

func (s *Snapshotter) RenderPNG(ctx context.Context, fen, lastMoveUCI string, perspective oracle.Color) ([]byte, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen: %w", err)
	}
	board := nchess.NewGame(opt).Position().Board()
	flip := perspective == oracle.Black
	size := s.squareSize
	total := size*8 + boardMargin*2
	origin := image.Point{X: boardMargin, Y: boardMargin}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	img := image.NewRGBA(image.Rect(0, 0, total, total))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(frameColor), image.Point{}, imagedraw.Src)
	drawSquares(img, size, origin)
	if from, to, ok := parseUCISquares(lastMoveUCI); ok {
		drawSquareOverlay(img, squareRect(from, size, origin, flip), lastMoveFill)
		drawSquareOverlay(img, squareRect(to, size, origin, flip), lastMoveFill)
	}
	for sq, piece := range board.SquareMap() {
		if piece == nchess.NoPiece {
			continue
		}
		if err := drawPiece(img, piece, squareRect(cell{file: int(sq.File()), rank: int(sq.Rank())}, size, origin, flip)); err != nil {
			return nil, err
		}
	}
	drawCoordinates(img, size, origin, flip)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// cell is a board coordinate, file and rank 0..7 from a1.
type cell struct{ file, rank int }

func parseUCISquares(uci string) (cell, cell, bool) {
	u := strings.ToLower(strings.TrimSpace(uci))
	if len(u) < 4 {
		return cell{}, cell{}, false
	}
	parse := func(s string) (cell, bool) {
		f, r := int(s[0]-'a'), int(s[1]-'1')
		if f < 0 || f > 7 || r < 0 || r > 7 {
			return cell{}, false
		}
		return cell{file: f, rank: r}, true
	}
	from, ok1 := parse(u[0:2])
	to, ok2 := parse(u[2:4])
	return from, to, ok1 && ok2
}

func squareRect(c cell, size int, origin image.Point, flip bool) image.Rectangle {
	col, row := c.file, 7-c.rank
	if flip {
		col, row = 7-c.file, c.rank
	}
	x := origin.X + col*size
	y := origin.Y + row*size
	return image.Rect(x, y, x+size, y+size)
}

func drawSquares(dst imagedraw.Image, size int, origin image.Point) {
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			clr := lightSquare
			if (row+col)%2 == 1 {
				clr = darkSquare
			}
			x := origin.X + col*size
			y := origin.Y + row*size
			imagedraw.Draw(dst, image.Rect(x, y, x+size, y+size), image.NewUniform(clr), image.Point{}, imagedraw.Src)
		}
	}
}

func drawSquareOverlay(img *image.RGBA, rect image.Rectangle, clr color.Color) {
	imagedraw.Draw(img, rect, image.NewUniform(clr), image.Point{}, imagedraw.Over)
}

type tokenKey struct {
	white bool
	size  int
}

var (
	tokenCache   = map[tokenKey]image.Image{}
	tokenCacheMu sync.RWMutex
)

const tokenSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 100">` +
	`<circle cx="50" cy="50" r="40" fill="%s" stroke="%s" stroke-width="6"/></svg>`

// renderToken rasterizes the piece disc once per color and size.
func renderToken(white bool, size int) (image.Image, error) {
	key := tokenKey{white: white, size: size}
	tokenCacheMu.RLock()
	if img, ok := tokenCache[key]; ok {
		tokenCacheMu.RUnlock()
		return img, nil
	}
	tokenCacheMu.RUnlock()

	fill, stroke := "#303030", "#f8f8f8"
	if white {
		fill, stroke = "#f8f8f8", "#303030"
	}
	icon, err := oksvg.ReadIconStream(strings.NewReader(fmt.Sprintf(tokenSVG, fill, stroke)))
	if err != nil {
		return nil, fmt.Errorf("parse token svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(size, size, scanner), 1.0)

	tokenCacheMu.Lock()
	tokenCache[key] = img
	tokenCacheMu.Unlock()
	return img, nil
}

func drawPiece(img *image.RGBA, piece nchess.Piece, rect image.Rectangle) error {
	white := piece.Color() == nchess.White
	token, err := renderToken(white, rect.Dx())
	if err != nil {
		return err
	}
	imagedraw.Draw(img, rect, token, image.Point{}, imagedraw.Over)

	letterColor := whiteToken
	if white {
		letterColor = blackToken
	}
	glyph := renderGlyph(pieceLetter(piece), letterColor)
	size := rect.Dx()
	w, h := size*35/100, size*65/100
	cx, cy := rect.Min.X+size/2, rect.Min.Y+size/2
	dst := image.Rect(cx-w/2, cy-h/2, cx-w/2+w, cy-h/2+h)
	xdraw.NearestNeighbor.Scale(img, dst, glyph, glyph.Bounds(), xdraw.Over, nil)
	return nil
}

func pieceLetter(piece nchess.Piece) string {
	switch piece.Type() {
	case nchess.King:
		return "K"
	case nchess.Queen:
		return "Q"
	case nchess.Rook:
		return "R"
	case nchess.Bishop:
		return "B"
	case nchess.Knight:
		return "N"
	default:
		return "P"
	}
}

// renderGlyph draws one basicfont character into its own 7x13 cell.
func renderGlyph(text string, clr color.Color) *image.RGBA {
	face := basicfont.Face7x13
	glyph := image.NewRGBA(image.Rect(0, 0, face.Advance*len(text), face.Height))
	d := &font.Drawer{
		Dst:  glyph,
		Src:  image.NewUniform(clr),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(text)
	return glyph
}

func drawCoordinates(img *image.RGBA, size int, origin image.Point, flip bool) {
	d := &font.Drawer{Dst: img, Src: image.NewUniform(coordinateColor), Face: basicfont.Face7x13}
	for i := 0; i < 8; i++ {
		file, rank := i, 7-i
		if flip {
			file, rank = 7-i, i
		}
		x := origin.X + i*size + size/2 - 3
		d.Dot = fixed.P(x, origin.Y+8*size+15)
		d.DrawString(string(rune('a' + file)))

		y := origin.Y + i*size + size/2 + 5
		d.Dot = fixed.P(origin.X-14, y)
		d.DrawString(string(rune('1' + rank)))
	}
}
