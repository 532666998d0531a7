// Package match runs the challenge queue and the single active vote-chess game.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/park285/Cheese-Twitch-bot/internal/lichess"
	"github.com/park285/Cheese-Twitch-bot/internal/oracle"
	"github.com/park285/Cheese-Twitch-bot/internal/twitch"
	"github.com/park285/Cheese-Twitch-bot/internal/vote"
)

var (
	ErrBusy        = errors.New("a game is already active")
	ErrInvalidUser = errors.New("requester and opponent are required")
	ErrEventsEnded = errors.New("incoming event stream ended")
)

type State int

const (
	StateChallengeSent State = iota
	StateInProgress
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateChallengeSent:
		return "challenge_sent"
	case StateInProgress:
		return "in_progress"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ChallengeRequest pairs the Twitch requester with the Lichess account to challenge.
type ChallengeRequest struct {
	Requester string
	Opponent  string
}

// MatchOutcome is set on a finished session when the result is known.
// Won means the audience (bot side) won.
type MatchOutcome struct {
	Won    bool
	Draw   bool
	Status string
}

// ChallengerWon is the value recorded in the requester's stats.
func (o MatchOutcome) ChallengerWon() bool {
	return !o.Won && !o.Draw
}

type Chat interface {
	SendMessage(ctx context.Context, text string) error
	OnMessage(cb twitch.MessageCallback) int
	RemoveMessageCallback(id int)
}

type ChessServer interface {
	CreateChallenge(ctx context.Context, opponent string, opts lichess.ChallengeOptions) (string, error)
	StreamIncomingEvents(ctx context.Context) (lichess.EventStream, error)
	StreamGameEvents(ctx context.Context, gameID string) (lichess.GameStream, error)
	SubmitMove(ctx context.Context, gameID, uci string) error
}

// BoardObserver is notified with the position after server moves are applied.
type BoardObserver interface {
	ObserveBoard(ctx context.Context, fen, lastMoveUCI string, perspective oracle.Color) error
}

type MoveVoter interface {
	Collect(ctx context.Context, pos vote.Position, window time.Duration) (string, error)
}

type Config struct {
	AcceptChallengeWait time.Duration
	VoteWindow          time.Duration
	PollInterval        time.Duration
	MatchJoinTimeout    time.Duration
	Challenge           lichess.ChallengeOptions
}

func (c Config) withDefaults() Config {
	if c.AcceptChallengeWait <= 0 {
		c.AcceptChallengeWait = 60 * time.Second
	}
	if c.VoteWindow <= 0 {
		c.VoteWindow = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MatchJoinTimeout <= 0 {
		c.MatchJoinTimeout = 60 * time.Second
	}
	return c
}
