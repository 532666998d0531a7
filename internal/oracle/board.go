// Package oracle answers "which moves are legal here" and translates between the
// UCI notation Lichess speaks and the SAN notation chat votes use.
package oracle

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var ErrIllegalMove = errors.New("illegal move")

// Color identifies a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func ParseColor(s string) (Color, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	default:
		return "", false
	}
}

func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// Board is a game replayed from the standard start position. Not safe for concurrent use.
type Board struct {
	game *nchess.Game
	uci  []string
	san  []string
}

func NewBoard() *Board {
	return &Board{game: nchess.NewGame()}
}

func (b *Board) Turn() Color {
	if b.game.Position().Turn() == nchess.White {
		return White
	}
	return Black
}

// Ply is the number of half-moves applied so far.
func (b *Board) Ply() int { return len(b.uci) }

func (b *Board) FEN() string { return b.game.FEN() }

func (b *Board) MovesUCI() []string { return append([]string(nil), b.uci...) }

func (b *Board) MovesSAN() []string { return append([]string(nil), b.san...) }

// LastMoveUCI returns the most recent move or "" at the start position.
func (b *Board) LastMoveUCI() string {
	if len(b.uci) == 0 {
		return ""
	}
	return b.uci[len(b.uci)-1]
}

// LegalMoves returns every legal move of the side to move in SAN, sorted.
func (b *Board) LegalMoves() []string {
	pos := b.game.Position()
	moves := b.game.ValidMoves()
	notation := nchess.AlgebraicNotation{}
	out := make([]string, 0, len(moves))
	for i := range moves {
		out = append(out, notation.Encode(pos, &moves[i]))
	}
	sort.Strings(out)
	return out
}

// PushUCI applies a server-reported move and returns its SAN.
func (b *Board) PushUCI(uci string) (string, error) {
	text := strings.ToLower(strings.TrimSpace(uci))
	if text == "" {
		return "", ErrIllegalMove
	}
	pos := b.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, text)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIllegalMove, text, err)
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := b.game.Move(mv, nil); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIllegalMove, text, err)
	}
	b.uci = append(b.uci, text)
	b.san = append(b.san, san)
	return san, nil
}

// SANToUCI converts a SAN move legal in the current position to UCI without applying it.
func (b *Board) SANToUCI(san string) (string, error) {
	pos := b.game.Position()
	mv, err := nchess.AlgebraicNotation{}.Decode(pos, strings.TrimSpace(san))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIllegalMove, san, err)
	}
	return strings.ToLower(nchess.UCINotation{}.Encode(pos, mv)), nil
}
