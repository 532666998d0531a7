package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/park285/Cheese-Twitch-bot/internal/lichess"
	"github.com/park285/Cheese-Twitch-bot/internal/msgcat"
	"github.com/park285/Cheese-Twitch-bot/internal/oracle"
	"github.com/park285/Cheese-Twitch-bot/internal/stats"
	"github.com/park285/Cheese-Twitch-bot/internal/vote"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Orchestrator owns the challenge queue and the single active session.
// Every transition of the queue or the active slot happens under mu.
type Orchestrator struct {
	mu     sync.Mutex
	queue  []ChallengeRequest
	active *Session
	task   *conc.WaitGroup

	server    ChessServer
	chat      Chat
	announcer *Announcer
	stats     stats.Store
	archive   stats.Archiver
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	voter    MoveVoter
	observer BoardObserver
	deps     *sessionDeps
}

type Option func(*Orchestrator)

func WithStats(s stats.Store) Option {
	return func(o *Orchestrator) { o.stats = s }
}

func WithArchiver(a stats.Archiver) Option {
	return func(o *Orchestrator) { o.archive = a }
}

func WithObserver(b BoardObserver) Option {
	return func(o *Orchestrator) { o.observer = b }
}

// WithVoter replaces the chat vote collector.
func WithVoter(v MoveVoter) Option {
	return func(o *Orchestrator) { o.voter = v }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewOrchestrator(server ChessServer, chat Chat, catalog *msgcat.Catalog, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		server: server,
		chat:   chat,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.announcer = NewAnnouncer(chat, catalog, o.logger)
	if o.voter == nil {
		o.voter = vote.NewCollector(chat, o.announcer, vote.WithLogger(o.logger))
	}
	o.deps = &sessionDeps{
		server:    server,
		voter:     o.voter,
		announcer: o.announcer,
		observer:  o.observer,
		window:    o.cfg.VoteWindow,
		logger:    o.logger,
		now:       o.now,
	}
	return o
}

// Announcer exposes the message renderer so chat commands reply with the same catalog.
func (o *Orchestrator) Announcer() *Announcer {
	return o.announcer
}

// RequestChallenge issues the challenge right away when idle, otherwise queues it.
// It returns the 1-based queue position, or 0 when the challenge was issued immediately.
func (o *Orchestrator) RequestChallenge(ctx context.Context, requester, opponent string) (int, error) {
	req := ChallengeRequest{Requester: strings.TrimSpace(requester), Opponent: strings.TrimSpace(opponent)}
	if req.Requester == "" || req.Opponent == "" {
		return 0, ErrInvalidUser
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil && len(o.queue) == 0 {
		o.issueLocked(ctx, req)
		return 0, nil
	}
	o.queue = append(o.queue, req)
	pos := len(o.queue)
	o.logger.Info("challenge_queued",
		zap.String("requester", req.Requester),
		zap.String("opponent", req.Opponent),
		zap.Int("position", pos))
	o.announcer.Announce(ctx, "challenge.queued", map[string]any{"Requester": req.Requester, "Position": pos})
	return pos, nil
}

// IssueChallenge challenges opponent directly, bypassing the queue. ErrBusy while a session is active.
func (o *Orchestrator) IssueChallenge(ctx context.Context, requester, opponent string) error {
	req := ChallengeRequest{Requester: strings.TrimSpace(requester), Opponent: strings.TrimSpace(opponent)}
	if req.Requester == "" || req.Opponent == "" {
		return ErrInvalidUser
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return ErrBusy
	}
	if !o.issueLocked(ctx, req) {
		return errors.New("challenge was not created")
	}
	return nil
}

// issueLocked reports whether a session was installed. A rejected challenge leaves the slot empty.
// o.mu stays held across CreateChallenge so the empty-slot check and the install are atomic;
// Poll and the command handlers wait out the round-trip.
func (o *Orchestrator) issueLocked(ctx context.Context, req ChallengeRequest) bool {
	o.announcer.Announce(ctx, "challenge.issuing", requestData(req))
	id, err := o.server.CreateChallenge(ctx, req.Opponent, o.cfg.Challenge)
	if err != nil {
		reason := err.Error()
		var apiErr *lichess.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			reason = apiErr.Message
		}
		o.logger.Warn("challenge_failed",
			zap.String("requester", req.Requester),
			zap.String("opponent", req.Opponent),
			zap.Error(err))
		o.announcer.Announce(ctx, "challenge.failed", map[string]any{"Reason": reason})
		return false
	}
	o.active = newSession(o.deps, req, id)
	o.task = nil
	o.logger.Info("challenge_sent",
		zap.String("session_id", o.active.ID),
		zap.String("challenge_id", id),
		zap.String("opponent", req.Opponent))
	return true
}

// Poll retires the active session once it finished or its challenge went unanswered too long.
func (o *Orchestrator) Poll(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.active
	if s == nil {
		return
	}
	switch s.State() {
	case StateFinished:
		o.finishActiveLocked(ctx, s)
	case StateChallengeSent:
		if o.now().Sub(s.StartTime) < o.cfg.AcceptChallengeWait {
			return
		}
		o.logger.Info("challenge_timed_out", zap.String("session_id", s.ID), zap.String("challenge_id", s.ChallengeID))
		o.announcer.Announce(ctx, "challenge.timeout", requestData(s.Request))
		s.finish()
		o.retireLocked(ctx)
	}
}

func (o *Orchestrator) finishActiveLocked(ctx context.Context, s *Session) {
	// the match goroutine has stopped touching the session by the time it reports Finished
	o.joinTaskLocked()
	out := s.Outcome()
	switch {
	case out == nil && s.Err() == nil:
		o.announcer.Announce(ctx, "game.aborted", requestData(s.Request))
	case out == nil:
		// already announced as game.error
	case out.Draw:
		o.announcer.Announce(ctx, "game.draw", requestData(s.Request))
	case out.Won:
		o.announcer.Announce(ctx, "game.won", requestData(s.Request))
	default:
		o.announcer.Announce(ctx, "game.lost", requestData(s.Request))
	}
	if out != nil && o.stats != nil {
		if err := o.stats.AddGame(ctx, s.Request.Requester, out.ChallengerWon()); err != nil {
			o.logger.Error("stats_record_failed", zap.String("user", s.Request.Requester), zap.Error(err))
		}
	}
	if o.archive != nil && s.GameID() != "" {
		if err := o.archive.SaveGame(ctx, s.archiveRecord()); err != nil {
			o.logger.Error("game_archive_failed", zap.String("game_id", s.GameID()), zap.Error(err))
		}
	}
	o.retireLocked(ctx)
}

// retireLocked clears the slot and issues queued challenges until one is accepted by the server.
func (o *Orchestrator) retireLocked(ctx context.Context) {
	o.joinTaskLocked()
	o.active = nil
	for len(o.queue) > 0 {
		next := o.queue[0]
		o.queue = o.queue[1:]
		if o.issueLocked(ctx, next) {
			return
		}
	}
}

// joinTaskLocked waits a bounded time for the match goroutine. A goroutine that outlives the
// timeout is abandoned; its session is already out of the slot.
func (o *Orchestrator) joinTaskLocked() {
	if o.task == nil {
		return
	}
	wg := o.task
	o.task = nil
	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := wg.WaitAndRecover(); r != nil {
			o.logger.Error("match_task_panicked", zap.String("panic", r.String()))
		}
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.MatchJoinTimeout):
		o.logger.Warn("match_task_abandoned", zap.Duration("timeout", o.cfg.MatchJoinTimeout))
	}
}

// OnChallengeDeclined retires the pending session when the decline is for its challenge.
func (o *Orchestrator) OnChallengeDeclined(ctx context.Context, challengeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.active
	if s == nil || s.State() != StateChallengeSent || s.ChallengeID != challengeID {
		o.logger.Debug("stale_challenge_declined", zap.String("challenge_id", challengeID))
		return
	}
	o.logger.Info("challenge_declined", zap.String("session_id", s.ID), zap.String("challenge_id", challengeID))
	o.announcer.Announce(ctx, "challenge.declined", requestData(s.Request))
	s.finish()
	o.retireLocked(ctx)
}

// OnGameStart starts the match goroutine for the pending session. Repeated starts and starts
// for any other game id are ignored.
func (o *Orchestrator) OnGameStart(ctx context.Context, gameID string, isFirstMoveOwn bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.active
	if s == nil {
		o.logger.Warn("game_start_without_session", zap.String("game_id", gameID))
		return
	}
	// Lichess reuses the challenge id as the game id; anything else is a late start
	// for a challenge that was already retired.
	if gameID != s.ChallengeID {
		o.logger.Debug("stale_game_start", zap.String("game_id", gameID), zap.String("challenge_id", s.ChallengeID))
		return
	}
	if !s.begin(gameID, isFirstMoveOwn) {
		o.logger.Debug("duplicate_game_start", zap.String("game_id", gameID), zap.String("state", s.State().String()))
		return
	}
	o.announcer.Announce(ctx, "game.starting", requestData(s.Request))
	o.task = conc.NewWaitGroup()
	o.task.Go(func() {
		_ = s.run(ctx)
	})
}

// Run consumes the account's incoming event stream until it ends or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	stream, err := o.server.StreamIncomingEvents(ctx)
	if err != nil {
		return fmt.Errorf("open incoming events: %w", err)
	}
	defer stream.Close()
	o.logger.Info("incoming_events_opened")
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("read incoming events: %w", ErrEventsEnded)
			}
			return fmt.Errorf("read incoming events: %w", err)
		}
		o.dispatch(ctx, ev)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev lichess.Event) {
	switch ev.Type {
	case lichess.EventGameStart:
		if ev.Game == nil {
			o.logger.Warn("game_start_without_game")
			return
		}
		own := ev.Game.IsMyTurn
		if c, ok := oracle.ParseColor(ev.Game.Color); ok {
			own = c == oracle.White
		}
		o.OnGameStart(ctx, ev.Game.Key(), own)
	case lichess.EventChallengeDeclined:
		if ev.Challenge == nil {
			return
		}
		o.OnChallengeDeclined(ctx, ev.Challenge.ID)
	default:
		o.logger.Debug("incoming_event_ignored", zap.String("type", ev.Type))
	}
}

// RunPoller calls Poll every PollInterval until ctx is cancelled.
func (o *Orchestrator) RunPoller(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Poll(ctx)
		}
	}
}

// QueuePosition reports where user stands. A position of 0 with inProgress false means absent.
func (o *Orchestrator) QueuePosition(user string) (pos int, opponent string, inProgress bool) {
	user = strings.TrimSpace(user)
	o.mu.Lock()
	defer o.mu.Unlock()
	if s := o.active; s != nil && strings.EqualFold(s.Request.Requester, user) {
		return 0, s.Request.Opponent, true
	}
	for i, req := range o.queue {
		if strings.EqualFold(req.Requester, user) {
			return i + 1, req.Opponent, false
		}
	}
	return 0, "", false
}

// Snapshot is a point-in-time view for logs and tests.
type Snapshot struct {
	Queue       []ChallengeRequest
	SessionID   string
	ChallengeID string
	GameID      string
	State       string
	Request     ChallengeRequest
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{Queue: append([]ChallengeRequest(nil), o.queue...)}
	if s := o.active; s != nil {
		snap.SessionID = s.ID
		snap.ChallengeID = s.ChallengeID
		snap.GameID = s.GameID()
		snap.State = s.State().String()
		snap.Request = s.Request
	}
	return snap
}

// Shutdown waits for the running game up to MatchJoinTimeout after ctx was cancelled by the caller.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joinTaskLocked()
}
