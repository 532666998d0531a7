package lichess

import (
	"fmt"
	"strings"
)

// Incoming event types on /api/stream/event.
const (
	EventGameStart         = "gameStart"
	EventGameFinish        = "gameFinish"
	EventChallengeCreated  = "challenge"
	EventChallengeCanceled = "challengeCanceled"
	EventChallengeDeclined = "challengeDeclined"
)

// Game stream event types on /api/bot/game/stream/{id}.
const (
	GameEventFull         = "gameFull"
	GameEventState        = "gameState"
	GameEventChatLine     = "chatLine"
	GameEventOpponentGone = "opponentGone"
)

type ChallengeOptions struct {
	Rated bool
	// ClockLimit in seconds; zero means no clock.
	ClockLimit     int
	ClockIncrement int
}

type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title,omitempty"`
}

type Event struct {
	Type      string          `json:"type"`
	Game      *EventGame      `json:"game,omitempty"`
	Challenge *EventChallenge `json:"challenge,omitempty"`
}

type EventGame struct {
	ID       string `json:"id"`
	GameID   string `json:"gameId"`
	FullID   string `json:"fullId"`
	Color    string `json:"color"`
	IsMyTurn bool   `json:"isMyTurn"`
	Status   *struct {
		Name string `json:"name"`
	} `json:"status,omitempty"`
	Opponent struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"opponent"`
}

// Key returns the game id, preferring gameId over the legacy id field.
func (g *EventGame) Key() string {
	if g == nil {
		return ""
	}
	if g.GameID != "" {
		return g.GameID
	}
	return g.ID
}

type EventChallenge struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DeclineReason string `json:"declineReason,omitempty"`
	Challenger    *User  `json:"challenger,omitempty"`
	DestUser      *User  `json:"destUser,omitempty"`
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type GameState struct {
	Moves  string `json:"moves"`
	Status string `json:"status"`
	Winner string `json:"winner,omitempty"`
}

// MoveList splits the space separated UCI move list.
func (s GameState) MoveList() []string {
	return strings.Fields(s.Moves)
}

type GameEvent struct {
	Type string `json:"type"`

	// gameFull
	ID    string     `json:"id,omitempty"`
	State *GameState `json:"state,omitempty"`

	// gameState
	Moves  string `json:"moves,omitempty"`
	Status string `json:"status,omitempty"`
	Winner string `json:"winner,omitempty"`

	// chatLine
	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
}

// GameState returns the embedded state of a gameFull or the inline fields of a gameState.
func (e GameEvent) GameState() GameState {
	if e.Type == GameEventFull && e.State != nil {
		return *e.State
	}
	return GameState{Moves: e.Moves, Status: e.Status, Winner: e.Winner}
}

// APIError is a non-2xx answer from Lichess.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lichess api error: status=%d message=%s", e.Status, e.Message)
}
