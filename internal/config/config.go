package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/park285/Cheese-Twitch-bot/internal/obslog"
)

type AppConfig struct {
	// Lichess bot account
	LichessToken   string `env:"API_TOKEN"`
	LichessBaseURL string `env:"LICHESS_BASE_URL" envDefault:"https://lichess.org"`
	LichessUser    string `env:"USERNAME"`
	ChallengeRated bool   `env:"CHALLENGE_RATED" envDefault:"false"`
	// Optional real-time clock for issued challenges; zero means unlimited.
	ChallengeClockLimit     int `env:"CHALLENGE_CLOCK_LIMIT" envDefault:"0"`
	ChallengeClockIncrement int `env:"CHALLENGE_CLOCK_INCREMENT" envDefault:"0"`

	// Twitch chat
	TwitchWSURL      string `env:"TWITCH_WS_URL" envDefault:"wss://irc-ws.chat.twitch.tv:443"`
	TwitchOAuthToken string `env:"TWITCH_OAUTH_TOKEN"`
	TwitchNick       string `env:"TWITCH_NICK"`
	TargetChannel    string `env:"TARGET_CHANNEL"`
	BotPrefix        string `env:"BOT_PREFIX" envDefault:"!"`
	// Log outgoing chat lines instead of writing them.
	TwitchDryRun bool `env:"TWITCH_DRY_RUN" envDefault:"false"`

	// Match timing
	AcceptChallengeWait time.Duration `env:"ACCEPT_CHALLENGE_WAIT" envDefault:"60s"`
	VoteWindow          time.Duration `env:"VOTE_WINDOW" envDefault:"30s"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	MatchJoinTimeout    time.Duration `env:"MATCH_JOIN_TIMEOUT" envDefault:"60s"`

	// Stats storage: sqlite | postgres | redis | memory
	StatsBackend string `env:"STATS_BACKEND" envDefault:"sqlite"`
	StatsPath    string `env:"STATS_PATH" envDefault:"user_database.db"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`

	BoardSnapshotPath string `env:"BOARD_SNAPSHOT_PATH"`
	MessagesDir       string `env:"MESSAGES_DIR"`

	Log obslog.Options
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalize(cfg *AppConfig) {
	cfg.LichessToken = strings.TrimSpace(cfg.LichessToken)
	cfg.LichessBaseURL = strings.TrimRight(strings.TrimSpace(cfg.LichessBaseURL), "/")
	cfg.TwitchOAuthToken = strings.TrimPrefix(strings.TrimSpace(cfg.TwitchOAuthToken), "oauth:")
	cfg.TwitchNick = strings.ToLower(strings.TrimSpace(cfg.TwitchNick))
	cfg.TargetChannel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.TargetChannel), "#"))
	cfg.BotPrefix = strings.TrimSpace(cfg.BotPrefix)
	cfg.StatsBackend = strings.ToLower(strings.TrimSpace(cfg.StatsBackend))
}

// Validate checks required values and backend-specific settings.
func (c *AppConfig) Validate() error {
	if c.LichessToken == "" {
		return errors.New("API_TOKEN is required")
	}
	if c.TwitchOAuthToken == "" {
		return errors.New("TWITCH_OAUTH_TOKEN is required")
	}
	if c.TwitchNick == "" {
		return errors.New("TWITCH_NICK is required")
	}
	if c.TargetChannel == "" {
		return errors.New("TARGET_CHANNEL is required")
	}
	if c.BotPrefix == "" {
		return errors.New("BOT_PREFIX must not be empty")
	}
	if c.VoteWindow <= 0 {
		return errors.New("VOTE_WINDOW must be positive")
	}
	if c.AcceptChallengeWait <= 0 {
		return errors.New("ACCEPT_CHALLENGE_WAIT must be positive")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	switch c.StatsBackend {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for the postgres stats backend")
		}
	case "redis":
		if strings.TrimSpace(c.RedisURL) == "" {
			return errors.New("REDIS_URL is required for the redis stats backend")
		}
	default:
		return fmt.Errorf("unknown STATS_BACKEND %q", c.StatsBackend)
	}
	return nil
}
