package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/Cheese-Twitch-bot/internal/config"
	"github.com/park285/Cheese-Twitch-bot/internal/lichess"
	"github.com/park285/Cheese-Twitch-bot/internal/twitch"
	"github.com/spf13/cobra"
)

func main() {
	var (
		envFile string
		observe time.Duration
	)
	cmd := &cobra.Command{
		Use:          "lichesscheck",
		Short:        "Check the Lichess token and the Twitch chat connection",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return check(cmd.Context(), cfg, observe)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")
	cmd.Flags().DurationVar(&observe, "observe", 10*time.Second, "how long to print chat messages; 0 skips the chat check")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func check(ctx context.Context, cfg *config.AppConfig, observe time.Duration) error {
	li := lichess.NewClient(cfg.LichessBaseURL, cfg.LichessToken, lichess.WithTimeout(8*time.Second))
	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	acct, err := li.Account(actx)
	cancel()
	if err != nil {
		log.Printf("/api/account error: %v", err)
	} else {
		log.Printf("/api/account ok: id=%s username=%s title=%s", acct.ID, acct.Username, acct.Title)
	}

	if observe <= 0 {
		log.Println("chat observation disabled; skipping Twitch check")
		return err
	}

	chat := twitch.NewClient(cfg.TwitchWSURL, cfg.TwitchOAuthToken, cfg.TwitchNick, cfg.TargetChannel, twitch.WithReconnect(0))
	chat.OnStateChange(func(state twitch.State) {
		log.Printf("chat state: %s", state)
	})
	chat.OnMessage(func(msg *twitch.Message) {
		fmt.Printf("chat msg channel=%s from=%s privileged=%v text=%q\n", msg.Channel, msg.Sender, msg.Privileged(), msg.Text)
	})

	cctx, ccancel := context.WithTimeout(ctx, 10*time.Second)
	defer ccancel()
	if cerr := chat.Connect(cctx); cerr != nil {
		log.Printf("chat connect error: %v", cerr)
		return errors.Join(err, cerr)
	}

	t := time.NewTimer(observe)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	_ = chat.Close(context.Background())
	return err
}
