package lichess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/valyala/fasthttp"
)

var ErrStreamClosed = errors.New("stream closed")

type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type GameStream interface {
	Next(ctx context.Context) (GameEvent, error)
	Close() error
}

type lineResult struct {
	line []byte
	err  error
}

// ndjsonStream reads one JSON document per line. Blank keep-alive lines are skipped.
// Only the reader goroutine touches the response; Close just signals it.
type ndjsonStream[T any] struct {
	lines     chan lineResult
	done      chan struct{}
	closeOnce sync.Once
}

func newNDJSONStream[T any](resp *fasthttp.Response) *ndjsonStream[T] {
	s := &ndjsonStream[T]{
		lines: make(chan lineResult),
		done:  make(chan struct{}),
	}
	go s.read(resp)
	return s
}

func (s *ndjsonStream[T]) read(resp *fasthttp.Response) {
	defer func() {
		_ = resp.CloseBodyStream()
		fasthttp.ReleaseResponse(resp)
		close(s.lines)
	}()
	body := resp.BodyStream()
	if body == nil {
		body = bytes.NewReader(resp.Body())
	}
	r := bufio.NewReader(body)
	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			select {
			case s.lines <- lineResult{line: line}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.lines <- lineResult{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

// Next blocks until a document arrives, the stream ends (io.EOF) or ctx is done.
func (s *ndjsonStream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrStreamClosed
	case res, ok := <-s.lines:
		if !ok {
			return zero, io.EOF
		}
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return zero, io.EOF
			}
			return zero, fmt.Errorf("read stream: %w", res.err)
		}
		var v T
		if err := json.Unmarshal(res.line, &v); err != nil {
			return zero, fmt.Errorf("decode stream line: %w", err)
		}
		return v, nil
	}
}

func (s *ndjsonStream[T]) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
