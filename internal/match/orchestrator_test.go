package match

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/park285/Cheese-Twitch-bot/internal/lichess"
	"github.com/park285/Cheese-Twitch-bot/internal/oracle"
	"github.com/park285/Cheese-Twitch-bot/internal/stats"
)

type harness struct {
	o     *Orchestrator
	srv   *fakeServer
	chat  *fakeChat
	voter *scriptedVoter
	store *stats.MemoryStore
	clock *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		srv:   newFakeServer(),
		chat:  newFakeChat(),
		voter: &scriptedVoter{},
		store: stats.NewMemoryStore(),
		clock: &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	if cfg.MatchJoinTimeout == 0 {
		cfg.MatchJoinTimeout = 2 * time.Second
	}
	h.o = NewOrchestrator(h.srv, h.chat, newCatalog(t), cfg,
		WithStats(h.store),
		WithArchiver(h.store),
		WithVoter(h.voter),
		WithClock(h.clock.Now),
	)
	return h
}

func (h *harness) waitFinished(t *testing.T) {
	t.Helper()
	waitFor(t, "session to finish", func() bool {
		return h.o.Snapshot().State == StateFinished.String()
	})
}

func TestRequestWhileIdleIssuesImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	pos, err := h.o.RequestChallenge(context.Background(), "alice", "magnus")
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if pos != 0 {
		t.Fatalf("position = %d, want 0 for an immediate challenge", pos)
	}
	if got := h.srv.challenges(); !slices.Equal(got, []string{"magnus"}) {
		t.Fatalf("challenged = %v", got)
	}
	snap := h.o.Snapshot()
	if snap.State != "challenge_sent" || snap.ChallengeID != "ch1" || snap.Request.Requester != "alice" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !h.chat.has("Challenging user alice (magnus)") {
		t.Fatalf("issuing message missing: %v", h.chat.messages())
	}
}

func TestRequestRejectsEmptyUsers(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.o.RequestChallenge(context.Background(), " ", "magnus"); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("err = %v, want ErrInvalidUser", err)
	}
	if len(h.srv.challenges()) != 0 {
		t.Fatalf("server was called")
	}
}

func TestQueueIsFIFO(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	if _, err := h.o.RequestChallenge(ctx, "alice", "a_lichess"); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	for i, user := range []string{"bob", "carol"} {
		pos, err := h.o.RequestChallenge(ctx, user, user+"_lichess")
		if err != nil {
			t.Fatalf("RequestChallenge(%s): %v", user, err)
		}
		if pos != i+1 {
			t.Fatalf("%s position = %d, want %d", user, pos, i+1)
		}
	}
	if !h.chat.has("@carol Your challenge will start soon. Your position in queue: 2") {
		t.Fatalf("queued message missing: %v", h.chat.messages())
	}

	h.o.OnChallengeDeclined(ctx, "ch1")
	h.o.OnChallengeDeclined(ctx, "ch2")
	want := []string{"a_lichess", "bob_lichess", "carol_lichess"}
	if got := h.srv.challenges(); !slices.Equal(got, want) {
		t.Fatalf("challenged = %v, want %v", got, want)
	}
	if !h.chat.has("User alice (a_lichess) declined the challenge") {
		t.Fatalf("decline message missing: %v", h.chat.messages())
	}
	snap := h.o.Snapshot()
	if snap.Request.Requester != "carol" || len(snap.Queue) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRejectedChallengeAdvancesQueue(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.srv.reject("ghost_user", &lichess.APIError{Status: 400, Message: "No such user"})

	if _, err := h.o.RequestChallenge(ctx, "alice", "carlsen"); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	_, _ = h.o.RequestChallenge(ctx, "bob", "ghost_user")
	_, _ = h.o.RequestChallenge(ctx, "carol", "hikaru")

	h.o.OnChallengeDeclined(ctx, "ch1")

	if !h.chat.has("Failed to challenge user: No such user") {
		t.Fatalf("failure message missing: %v", h.chat.messages())
	}
	want := []string{"carlsen", "ghost_user", "hikaru"}
	if got := h.srv.challenges(); !slices.Equal(got, want) {
		t.Fatalf("challenged = %v, want %v", got, want)
	}
	if snap := h.o.Snapshot(); snap.Request.Opponent != "hikaru" || snap.State != "challenge_sent" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRejectedChallengeWhileIdleLeavesSlotEmpty(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.srv.reject("ghost_user", errors.New("connection refused"))

	if err := h.o.IssueChallenge(ctx, "alice", "ghost_user"); err == nil {
		t.Fatalf("expected IssueChallenge error")
	}
	if snap := h.o.Snapshot(); snap.SessionID != "" {
		t.Fatalf("slot not empty: %+v", snap)
	}
	if !h.chat.has("Failed to challenge user: connection refused") {
		t.Fatalf("failure message missing: %v", h.chat.messages())
	}
	// the next request is issued right away
	if pos, _ := h.o.RequestChallenge(ctx, "bob", "hikaru"); pos != 0 {
		t.Fatalf("position = %d, want immediate issue", pos)
	}
	if err := h.o.IssueChallenge(ctx, "carol", "magnus"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestAcceptTimeout(t *testing.T) {
	h := newHarness(t, Config{AcceptChallengeWait: time.Minute})
	ctx := context.Background()
	_, _ = h.o.RequestChallenge(ctx, "alice", "slowpoke")
	_, _ = h.o.RequestChallenge(ctx, "bob", "hikaru")

	h.clock.Advance(59 * time.Second)
	h.o.Poll(ctx)
	if snap := h.o.Snapshot(); snap.Request.Requester != "alice" {
		t.Fatalf("timed out early: %+v", snap)
	}

	h.clock.Advance(2 * time.Second)
	h.o.Poll(ctx)
	if !h.chat.has("Challenge invitation for alice (slowpoke) timed out") {
		t.Fatalf("timeout message missing: %v", h.chat.messages())
	}
	snap := h.o.Snapshot()
	if snap.Request.Requester != "bob" || snap.State != "challenge_sent" {
		t.Fatalf("queue not advanced: %+v", snap)
	}
	if st, _ := h.store.GetUser(ctx, "alice"); st.Games != 0 {
		t.Fatalf("timeout recorded stats: %+v", st)
	}
}

func TestStaleDeclineIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.o.OnChallengeDeclined(ctx, "nothing")
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	h.o.OnChallengeDeclined(ctx, "ch999")
	if snap := h.o.Snapshot(); snap.ChallengeID != "ch1" {
		t.Fatalf("stale decline cleared the slot: %+v", snap)
	}
	if len(h.chat.messages()) != 1 {
		t.Fatalf("unexpected announcements: %v", h.chat.messages())
	}
}

func TestStaleGameStartIgnored(t *testing.T) {
	h := newHarness(t, Config{AcceptChallengeWait: time.Minute})
	ctx := context.Background()
	_, _ = h.o.RequestChallenge(ctx, "alice", "slowpoke")
	_, _ = h.o.RequestChallenge(ctx, "bob", "hikaru")
	h.clock.Advance(2 * time.Minute)
	h.o.Poll(ctx)

	// slowpoke accepts the retired challenge after bob's was issued
	h.o.OnGameStart(ctx, "ch1", true)
	snap := h.o.Snapshot()
	if snap.ChallengeID != "ch2" || snap.GameID != "" || snap.State != "challenge_sent" || snap.Request.Requester != "bob" {
		t.Fatalf("late start took over the pending session: %+v", snap)
	}
	if len(h.srv.openedStreams()) != 0 || h.voter.callCount() != 0 {
		t.Fatalf("game stream opened for a retired challenge")
	}
	if h.chat.has("Starting a game vs bob (hikaru)") {
		t.Fatalf("start announced for bob: %v", h.chat.messages())
	}
}

func TestGameStartWithoutSessionIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.o.OnGameStart(context.Background(), "g1", true)
	if len(h.srv.openedStreams()) != 0 || h.voter.callCount() != 0 {
		t.Fatalf("game started without a session")
	}
}

func TestWonGameRecordsStatsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.voter.script = []string{"e4", "d4", "Qh5"}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.srv.setGame("ch1",
		gameFull("e2e4", "started"),
		gameState("e2e4 f7f6", "started", ""),
		gameState("e2e4 f7f6 d2d4", "started", ""),
		gameState("e2e4 f7f6 d2d4 g7g5", "started", ""),
		gameState("e2e4 f7f6 d2d4 g7g5 d1h5", "mate", "white"),
	)
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	_, _ = h.o.RequestChallenge(ctx, "bob", "hikaru")
	h.o.OnGameStart(ctx, "ch1", true)
	h.waitFinished(t)

	if got, want := h.srv.moves(), []string{"e2e4", "d2d4", "d1h5"}; !slices.Equal(got, want) {
		t.Fatalf("submitted = %v, want %v", got, want)
	}
	for _, msg := range []string{"Starting a game vs alice (magnus)", "Opponent moved: f6", "Opponent moved: g5"} {
		if !h.chat.has(msg) {
			t.Fatalf("missing %q in %v", msg, h.chat.messages())
		}
	}

	h.o.Poll(ctx)
	h.o.Poll(ctx)
	if n := h.chat.count("Won a game vs alice (magnus), GG!"); n != 1 {
		t.Fatalf("won announced %d times", n)
	}
	st, err := h.store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if st.Games != 1 || st.Won != 0 {
		t.Fatalf("alice stats = %+v, want 1 game 0 wins", st)
	}
	games := h.store.Games()
	if len(games) != 1 || games[0].Result != "white" || games[0].BotColor != "white" || len(games[0].MovesUCI) != 5 {
		t.Fatalf("archive = %+v", games)
	}
	if snap := h.o.Snapshot(); snap.Request.Requester != "bob" {
		t.Fatalf("queue not advanced after the game: %+v", snap)
	}
}

func TestLostGameCountsForChallenger(t *testing.T) {
	h := newHarness(t, Config{})
	h.voter.script = []string{"e5"}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.srv.setGame("ch1",
		gameFull("e2e4", "started"),
		gameState("e2e4 e7e5", "started", ""),
		gameState("e2e4 e7e5", "resign", "white"),
	)
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	h.o.OnGameStart(ctx, "ch1", false)
	h.waitFinished(t)
	h.o.Poll(ctx)

	if got := h.srv.moves(); !slices.Equal(got, []string{"e7e5"}) {
		t.Fatalf("submitted = %v", got)
	}
	if !h.chat.has("Lost a game vs alice (magnus), GG!") {
		t.Fatalf("lost message missing: %v", h.chat.messages())
	}
	if st, _ := h.store.GetUser(ctx, "alice"); st.Games != 1 || st.Won != 1 {
		t.Fatalf("alice stats = %+v, want 1 game 1 win", st)
	}
}

func TestDrawCountsAsGameWithoutWin(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.srv.setGame("ch1", gameState("e2e4", "draw", ""))
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	h.o.OnGameStart(ctx, "ch1", false)
	h.waitFinished(t)
	h.o.Poll(ctx)

	if !h.chat.has("Drew a game vs alice (magnus), GG!") {
		t.Fatalf("draw message missing: %v", h.chat.messages())
	}
	if st, _ := h.store.GetUser(ctx, "alice"); st.Games != 1 || st.Won != 0 {
		t.Fatalf("alice stats = %+v", st)
	}
	if games := h.store.Games(); len(games) != 1 || games[0].Result != "draw" {
		t.Fatalf("archive = %+v", games)
	}
}

func TestAbortedGameSkipsStats(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.srv.setGame("ch1",
		gameFull("", "started"),
		gameState("e2e4", "started", ""),
		gameState("e2e4", "aborted", ""),
	)
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	h.o.OnGameStart(ctx, "ch1", true)
	h.waitFinished(t)
	h.o.Poll(ctx)

	// the opening vote happens before the stream; gameFull at ply 0 must not vote again
	if n := h.voter.callCount(); n != 1 {
		t.Fatalf("voter called %d times, want 1", n)
	}
	if !h.chat.has("Game vs alice (magnus) was aborted") {
		t.Fatalf("aborted message missing: %v", h.chat.messages())
	}
	if st, _ := h.store.GetUser(ctx, "alice"); st.Games != 0 {
		t.Fatalf("aborted game recorded: %+v", st)
	}
	games := h.store.Games()
	if len(games) != 1 || games[0].Result != "" || games[0].Status != "aborted" {
		t.Fatalf("archive = %+v", games)
	}
}

func TestDuplicateGameStartIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	h.o.OnGameStart(ctx, "ch1", false)
	h.o.OnGameStart(ctx, "ch1", false)

	waitFor(t, "game stream", func() bool { return len(h.srv.openedStreams()) > 0 })
	if n := h.chat.count("Starting a game vs alice (magnus)"); n != 1 {
		t.Fatalf("starting announced %d times", n)
	}
	if got := h.srv.openedStreams(); len(got) != 1 {
		t.Fatalf("streams opened = %v", got)
	}
	if snap := h.o.Snapshot(); snap.State != "in_progress" || snap.GameID != "ch1" {
		t.Fatalf("snapshot = %+v", snap)
	}
	cancel()
	h.o.Shutdown()
}

func TestNoLegalMovesIsLoud(t *testing.T) {
	h := newHarness(t, Config{})
	h.voter.err = errors.New("collect: no legal moves")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	h.o.OnGameStart(ctx, "ch1", true)
	h.waitFinished(t)
	h.o.Poll(ctx)

	if !h.chat.has("Game vs alice (magnus) stopped because of an internal error") {
		t.Fatalf("error message missing: %v", h.chat.messages())
	}
	if h.chat.has("Game vs alice (magnus) was aborted") {
		t.Fatalf("failure announced as abort too")
	}
	if st, _ := h.store.GetUser(ctx, "alice"); st.Games != 0 {
		t.Fatalf("failed game recorded: %+v", st)
	}
}

func TestQueuePosition(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	_, _ = h.o.RequestChallenge(ctx, "bob", "hikaru")

	if pos, opp, playing := h.o.QueuePosition("Bob"); pos != 1 || opp != "hikaru" || playing {
		t.Fatalf("bob = %d %q %v", pos, opp, playing)
	}
	if _, opp, playing := h.o.QueuePosition("alice"); !playing || opp != "magnus" {
		t.Fatalf("alice = %q %v", opp, playing)
	}
	if pos, _, playing := h.o.QueuePosition("dave"); pos != 0 || playing {
		t.Fatalf("dave = %d %v", pos, playing)
	}
}

func TestRunDispatchesIncomingEvents(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events := make(chan lichess.Event, 4)
	h.srv.incoming = &fakeEventStream{events: events}
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")

	events <- lichess.Event{Type: lichess.EventChallengeDeclined, Challenge: &lichess.EventChallenge{ID: "other"}}
	events <- lichess.Event{Type: lichess.EventGameStart, Game: &lichess.EventGame{GameID: "ch1", Color: "black", IsMyTurn: true}}
	events <- lichess.Event{Type: lichess.EventGameFinish, Game: &lichess.EventGame{GameID: "old"}}
	close(events)

	err := h.o.Run(ctx)
	if !errors.Is(err, ErrEventsEnded) {
		t.Fatalf("Run err = %v, want ErrEventsEnded", err)
	}
	waitFor(t, "game stream", func() bool { return len(h.srv.openedStreams()) == 1 })
	// color wins over isMyTurn, so black never votes before the first opponent move
	if h.voter.callCount() != 0 {
		t.Fatalf("voted as black before any move")
	}
	if snap := h.o.Snapshot(); snap.State != "in_progress" {
		t.Fatalf("snapshot = %+v", snap)
	}
	cancel()
	h.o.Shutdown()
}

func TestRunPollerRetiresFinishedSession(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.srv.setGame("ch1", gameState("e2e4 e7e5", "outoftime", "black"))
	_, _ = h.o.RequestChallenge(ctx, "alice", "magnus")
	h.o.OnGameStart(ctx, "ch1", false)
	go h.o.RunPoller(ctx)

	waitFor(t, "slot to clear", func() bool { return h.o.Snapshot().SessionID == "" })
	if !h.chat.has("Won a game vs alice (magnus), GG!") {
		t.Fatalf("won message missing: %v", h.chat.messages())
	}
}

func TestOutcomeFor(t *testing.T) {
	cases := []struct {
		name   string
		winner string
		own    string
		want   MatchOutcome
	}{
		{"own color wins", "white", "white", MatchOutcome{Won: true, Status: "mate"}},
		{"opponent wins", "black", "white", MatchOutcome{Status: "mate"}},
		{"no winner is a draw", "", "black", MatchOutcome{Draw: true, Status: "mate"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			own, ok := oracle.ParseColor(tc.own)
			if !ok {
				t.Fatalf("bad color %q", tc.own)
			}
			got := outcomeFor(lichess.GameState{Status: "mate", Winner: tc.winner}, own)
			if *got != tc.want {
				t.Fatalf("outcome = %+v, want %+v", *got, tc.want)
			}
		})
	}
	if (MatchOutcome{Won: true}).ChallengerWon() || (MatchOutcome{Draw: true}).ChallengerWon() {
		t.Fatalf("challenger credited for a bot win or a draw")
	}
	if !(MatchOutcome{}).ChallengerWon() {
		t.Fatalf("challenger not credited for a bot loss")
	}
}
