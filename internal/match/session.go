package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/Cheese-Twitch-bot/internal/lichess"
	"github.com/park285/Cheese-Twitch-bot/internal/oracle"
	"github.com/park285/Cheese-Twitch-bot/internal/stats"
	"github.com/park285/Cheese-Twitch-bot/internal/vote"
	"go.uber.org/zap"
)

// sessionDeps are the collaborators a running game needs. Shared read-only with the orchestrator.
type sessionDeps struct {
	server    ChessServer
	voter     MoveVoter
	announcer vote.Announcer
	observer  BoardObserver
	window    time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Session is one challenge and, once accepted, its game. Only the match goroutine mutates
// the board; state, outcome and error are guarded by mu.
type Session struct {
	ID          string
	Request     ChallengeRequest
	ChallengeID string
	StartTime   time.Time

	deps  *sessionDeps
	board *oracle.Board

	mu        sync.Mutex
	state     State
	gameID    string
	ownColor  oracle.Color
	outcome   *MatchOutcome
	err       error
	status    string
	votedPly  int
	startedAt time.Time
	endedAt   time.Time
}

func newSession(deps *sessionDeps, req ChallengeRequest, challengeID string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Request:     req,
		ChallengeID: challengeID,
		StartTime:   deps.now(),
		deps:        deps,
		board:       oracle.NewBoard(),
		state:       StateChallengeSent,
		votedPly:    -1,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome is nil until the game finished with a known result.
func (s *Session) Outcome() *MatchOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return nil
	}
	o := *s.outcome
	return &o
}

func (s *Session) GameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameID
}

func (s *Session) OwnColor() oracle.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownColor
}

// Err is the failure that ended the game, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// logger must not be called with mu held.
func (s *Session) logger() *zap.Logger {
	return s.deps.logger.With(zap.String("session_id", s.ID), zap.String("game_id", s.GameID()))
}

// begin moves ChallengeSent to InProgress. It reports false when the session already started.
func (s *Session) begin(gameID string, isFirstMoveOwn bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateChallengeSent {
		return false
	}
	s.state = StateInProgress
	s.gameID = gameID
	s.ownColor = oracle.Black
	if isFirstMoveOwn {
		s.ownColor = oracle.White
	}
	s.startedAt = s.deps.now()
	return true
}

// finish marks the session Finished without a result. Used for declined and timed-out challenges.
func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinished {
		return
	}
	s.state = StateFinished
	s.endedAt = s.deps.now()
}

// Start plays the game to completion. The session is Finished when Start returns.
func (s *Session) Start(ctx context.Context, gameID string, isFirstMoveOwn bool) error {
	if !s.begin(gameID, isFirstMoveOwn) {
		return fmt.Errorf("session %s already started", s.ID)
	}
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) error {
	defer s.finish()
	log := s.logger()
	gameID, own := s.GameID(), s.OwnColor()
	log.Info("game_started", zap.String("own_color", string(own)), zap.String("opponent", s.Request.Opponent))

	if own == oracle.White {
		if err := s.playOwnMove(ctx); err != nil {
			return s.fail(ctx, err)
		}
	}

	stream, err := s.deps.server.StreamGameEvents(ctx, gameID)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("open game stream: %w", err))
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Warn("game_stream_ended")
				return nil
			}
			return s.fail(ctx, fmt.Errorf("game stream: %w", err))
		}
		switch ev.Type {
		case lichess.GameEventFull, lichess.GameEventState:
			done, err := s.handleState(ctx, ev.GameState())
			if err != nil {
				return s.fail(ctx, err)
			}
			if done {
				return nil
			}
		default:
			log.Debug("game_event_ignored", zap.String("type", ev.Type))
		}
	}
}

// handleState reports true once the game reached a terminal status.
func (s *Session) handleState(ctx context.Context, st lichess.GameState) (bool, error) {
	s.mu.Lock()
	s.status = st.Status
	s.mu.Unlock()
	switch st.Status {
	case "created", "started":
		return false, s.applyStateChange(ctx, st.MoveList())
	case "aborted", "noStart":
		s.logger().Info("game_aborted", zap.String("status", st.Status))
		return true, nil
	default:
		if _, _, err := s.syncBoard(ctx, st.MoveList()); err != nil {
			s.logger().Warn("final_moves_not_applied", zap.Error(err))
		}
		out := outcomeFor(st, s.OwnColor())
		s.mu.Lock()
		s.outcome = out
		s.mu.Unlock()
		s.logger().Info("game_finished",
			zap.String("status", st.Status),
			zap.String("winner", st.Winner),
			zap.Bool("won", out.Won),
			zap.Bool("draw", out.Draw))
		return true, nil
	}
}

func outcomeFor(st lichess.GameState, own oracle.Color) *MatchOutcome {
	winner, ok := oracle.ParseColor(st.Winner)
	if !ok {
		return &MatchOutcome{Draw: true, Status: st.Status}
	}
	return &MatchOutcome{Won: winner == own, Status: st.Status}
}

// applyStateChange applies every server move the board has not seen, announces the
// opponent's move and runs a vote when it is our turn.
func (s *Session) applyStateChange(ctx context.Context, moves []string) error {
	san, applied, err := s.syncBoard(ctx, moves)
	if err != nil {
		return err
	}
	if s.board.Turn() != s.OwnColor() {
		return nil
	}
	if applied > 0 && san != "" {
		s.deps.announcer.Announce(ctx, "game.opponent_moved", map[string]any{"Move": san})
	}
	return s.playOwnMove(ctx)
}

// syncBoard replays unseen server moves and returns the SAN of the newest one.
func (s *Session) syncBoard(ctx context.Context, moves []string) (string, int, error) {
	if len(moves) < s.board.Ply() {
		s.logger().Warn("game_moves_rewound", zap.Int("server_ply", len(moves)), zap.Int("local_ply", s.board.Ply()))
		s.board = oracle.NewBoard()
		s.mu.Lock()
		s.votedPly = -1
		s.mu.Unlock()
	}
	var san string
	applied := 0
	for i := s.board.Ply(); i < len(moves); i++ {
		var err error
		san, err = s.board.PushUCI(moves[i])
		if err != nil {
			return "", applied, fmt.Errorf("apply server move %d %s: %w", i+1, moves[i], err)
		}
		applied++
	}
	if applied > 0 && s.deps.observer != nil {
		if err := s.deps.observer.ObserveBoard(ctx, s.board.FEN(), s.board.LastMoveUCI(), s.OwnColor()); err != nil {
			s.logger().Warn("board_observer_failed", zap.Error(err))
		}
	}
	return san, applied, nil
}

// playOwnMove votes once per ply and submits the winner.
func (s *Session) playOwnMove(ctx context.Context) error {
	ply := s.board.Ply()
	s.mu.Lock()
	if s.votedPly == ply {
		s.mu.Unlock()
		return nil
	}
	s.votedPly = ply
	s.mu.Unlock()

	san, err := s.deps.voter.Collect(ctx, s.board, s.deps.window)
	if err != nil {
		return fmt.Errorf("collect vote: %w", err)
	}
	uci, err := s.board.SANToUCI(san)
	if err != nil {
		return fmt.Errorf("convert voted move %s: %w", san, err)
	}
	if err := s.deps.server.SubmitMove(ctx, s.GameID(), uci); err != nil {
		// the stream decides what happens next; a later state for this ply may vote again
		s.logger().Warn("submit_move_failed", zap.String("move", uci), zap.Error(err))
		s.mu.Lock()
		s.votedPly = -1
		s.mu.Unlock()
		return nil
	}
	s.logger().Info("move_submitted", zap.String("san", san), zap.String("uci", uci), zap.Int("ply", ply))
	return nil
}

// fail records err. Cancellation is quiet; everything else is announced as an internal error.
func (s *Session) fail(ctx context.Context, err error) error {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	if ctx.Err() != nil {
		s.logger().Info("game_cancelled", zap.Error(err))
		return err
	}
	s.logger().Error("game_failed", zap.Error(err), zap.Bool("no_legal_moves", errors.Is(err, vote.ErrNoLegalMoves)))
	s.deps.announcer.Announce(ctx, "game.error", requestData(s.Request))
	return err
}

// archiveRecord is only meaningful once the session is Finished.
func (s *Session) archiveRecord() stats.GameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := stats.GameRecord{
		GameID:    s.gameID,
		SessionID: s.ID,
		Requester: s.Request.Requester,
		Opponent:  s.Request.Opponent,
		BotColor:  string(s.ownColor),
		Status:    s.status,
		MovesUCI:  s.board.MovesUCI(),
		MovesSAN:  s.board.MovesSAN(),
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
	if o := s.outcome; o != nil {
		switch {
		case o.Draw:
			rec.Result = "draw"
		case o.Won:
			rec.Result = string(s.ownColor)
		default:
			rec.Result = string(s.ownColor.Opposite())
		}
	}
	return rec
}
