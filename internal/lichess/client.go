package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Client talks to the Lichess Bot API. REST calls share one fasthttp client with a bounded
// timeout; long-lived NDJSON streams use a second client without a read timeout.
type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client
	stream  *fasthttp.Client
	logger  *zap.Logger

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          strings.TrimSpace(token),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		stream:         &fasthttp.Client{WriteTimeout: 10 * time.Second, StreamResponseBody: true, MaxConnsPerHost: 8},
		logger:         zap.NewNop(),
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Account(ctx context.Context) (*Account, error) {
	var acc Account
	if err := c.do(ctx, fasthttp.MethodGet, "/api/account", nil, &acc, true); err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateChallenge challenges username and returns the challenge id.
// Server-side refusals (unknown user, bot challenges disabled) come back as *APIError.
func (c *Client) CreateChallenge(ctx context.Context, username string, opts ChallengeOptions) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("challenge: empty username")
	}
	form := url.Values{}
	form.Set("rated", strconv.FormatBool(opts.Rated))
	if opts.ClockLimit > 0 {
		form.Set("clock.limit", strconv.Itoa(opts.ClockLimit))
		form.Set("clock.increment", strconv.Itoa(opts.ClockIncrement))
	}
	var resp struct {
		ID        string `json:"id"`
		Challenge *struct {
			ID string `json:"id"`
		} `json:"challenge"`
	}
	if err := c.do(ctx, fasthttp.MethodPost, "/api/challenge/"+url.PathEscape(username), form, &resp, false); err != nil {
		return "", err
	}
	id := resp.ID
	if resp.Challenge != nil && resp.Challenge.ID != "" {
		id = resp.Challenge.ID
	}
	if id == "" {
		return "", errors.New("challenge: response without id")
	}
	c.logger.Info("challenge_created", zap.String("challenge_id", id), zap.String("opponent", username))
	return id, nil
}

func (c *Client) SubmitMove(ctx context.Context, gameID, uci string) error {
	path := "/api/bot/game/" + url.PathEscape(gameID) + "/move/" + url.PathEscape(strings.ToLower(uci))
	return c.do(ctx, fasthttp.MethodPost, path, nil, nil, true)
}

func (c *Client) StreamIncomingEvents(ctx context.Context) (EventStream, error) {
	resp, err := c.openStream(ctx, "/api/stream/event")
	if err != nil {
		return nil, err
	}
	return newNDJSONStream[Event](resp), nil
}

func (c *Client) StreamGameEvents(ctx context.Context, gameID string) (GameStream, error) {
	resp, err := c.openStream(ctx, "/api/bot/game/stream/"+url.PathEscape(gameID))
	if err != nil {
		return nil, err
	}
	return newNDJSONStream[GameEvent](resp), nil
}

func (c *Client) openStream(ctx context.Context, path string) (*fasthttp.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/x-ndjson")
	c.authorize(req)

	resp := fasthttp.AcquireResponse()
	if err := c.stream.Do(req, resp); err != nil {
		fasthttp.ReleaseResponse(resp)
		return nil, fmt.Errorf("open stream %s: %w", path, err)
	}
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		apiErr := newAPIError(status, resp.Body())
		_ = resp.CloseBodyStream()
		fasthttp.ReleaseResponse(resp)
		return nil, apiErr
	}
	c.logger.Debug("stream_opened", zap.String("path", path))
	return resp, nil
}

func (c *Client) authorize(req *fasthttp.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")
	c.authorize(req)
	if form != nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBodyString(form.Encode())
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			apiErr := newAPIError(status, resp.Body())
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return apiErr
			}
			lastErr = apiErr
			c.logger.Warn("lichess_retry", zap.String("path", path), zap.Int("status", status), zap.Int("attempt", attempt))
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

// newAPIError extracts {"error": "..."} when present, else the raw body.
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = fasthttp.StatusMessage(status)
	}
	return &APIError{Status: status, Message: truncate(msg, 512)}
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
