package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/Cheese-Twitch-bot/internal/config"
	"github.com/park285/Cheese-Twitch-bot/internal/lichess"
	"github.com/park285/Cheese-Twitch-bot/internal/match"
	"github.com/park285/Cheese-Twitch-bot/internal/msgcat"
	"github.com/park285/Cheese-Twitch-bot/internal/obslog"
	"github.com/park285/Cheese-Twitch-bot/internal/render"
	"github.com/park285/Cheese-Twitch-bot/internal/stats"
	"github.com/park285/Cheese-Twitch-bot/internal/twitch"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const maxRestartDelay = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile      string
		statsBackend string
	)
	cmd := &cobra.Command{
		Use:          "vote-chess-bot",
		Short:        "Play Lichess games with moves voted by Twitch chat",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			if statsBackend != "" {
				if err := os.Setenv("STATS_BACKEND", statsBackend); err != nil {
					return err
				}
			}
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment (missing file is fine)")
	cmd.Flags().StringVar(&statsBackend, "stats-backend", "", "override STATS_BACKEND: sqlite, postgres, redis or memory")
	return cmd
}

// loadEnvFile never overrides variables already set in the environment.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger, err := obslog.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("message catalog: %w", err)
	}

	store, err := stats.Open(ctx, stats.Options{
		Backend:     cfg.StatsBackend,
		Path:        cfg.StatsPath,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("stats store: %w", err)
	}
	defer func() { _ = store.Close() }()

	li := lichess.NewClient(cfg.LichessBaseURL, cfg.LichessToken, lichess.WithLogger(logger.Named("lichess")))
	acct, err := li.Account(ctx)
	if err != nil {
		return fmt.Errorf("lichess account: %w", err)
	}
	if cfg.LichessUser != "" && acct.Username != "" && !strings.EqualFold(acct.Username, cfg.LichessUser) {
		logger.Warn("lichess_user_mismatch", zap.String("configured", cfg.LichessUser), zap.String("token_owner", acct.Username))
	}
	logger.Info("lichess_ready", zap.String("account", acct.Username))

	chat := twitch.NewClient(cfg.TwitchWSURL, cfg.TwitchOAuthToken, cfg.TwitchNick, cfg.TargetChannel,
		twitch.WithLogger(logger.Named("twitch")),
		twitch.WithDryRun(cfg.TwitchDryRun),
	)
	chat.OnStateChange(func(state twitch.State) {
		logger.Info("twitch_state", zap.String("state", state.String()))
	})
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = chat.Connect(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("twitch connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = chat.Close(closeCtx)
	}()

	opts := []match.Option{match.WithStats(store), match.WithLogger(logger.Named("match"))}
	if archive, ok := store.(stats.Archiver); ok {
		opts = append(opts, match.WithArchiver(archive))
	}
	if cfg.BoardSnapshotPath != "" {
		opts = append(opts, match.WithObserver(render.NewSnapshotter(cfg.BoardSnapshotPath, render.WithLogger(logger.Named("render")))))
	}
	orch := match.NewOrchestrator(li, chat, catalog, match.Config{
		AcceptChallengeWait: cfg.AcceptChallengeWait,
		VoteWindow:          cfg.VoteWindow,
		PollInterval:        cfg.PollInterval,
		MatchJoinTimeout:    cfg.MatchJoinTimeout,
		Challenge: lichess.ChallengeOptions{
			Rated:          cfg.ChallengeRated,
			ClockLimit:     cfg.ChallengeClockLimit,
			ClockIncrement: cfg.ChallengeClockIncrement,
		},
	}, opts...)
	chat.ServeCommands(ctx, cfg.BotPrefix, match.NewCommands(orch, store, cfg.BotPrefix))
	logger.Info("bot_ready", zap.String("channel", cfg.TargetChannel), zap.String("prefix", cfg.BotPrefix))

	var wg conc.WaitGroup
	wg.Go(func() { orch.RunPoller(ctx) })
	wg.Go(func() { runEvents(ctx, orch, logger) })
	<-ctx.Done()
	logger.Info("shutting_down")
	wg.Wait()
	orch.Shutdown()
	return nil
}

// runEvents keeps the incoming event stream open, restarting it with capped backoff.
func runEvents(ctx context.Context, orch *match.Orchestrator, logger *zap.Logger) {
	attempt := 0
	for ctx.Err() == nil {
		started := time.Now()
		err := orch.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		delay := restartDelay(attempt)
		attempt++
		logger.Warn("incoming_events_restart", zap.Error(err), zap.Duration("delay", delay), zap.Int("attempt", attempt))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func restartDelay(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	d := time.Second << attempt
	if d > maxRestartDelay {
		d = maxRestartDelay
	}
	return d
}
