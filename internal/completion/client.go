// Package completion drives one generation job on a llama.cpp-style server:
// the prompt is registered with POST /completion and fragments are then
// pulled one at a time from GET /next-token.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"whisperer/pkg/types"
)

const (
	defaultConnectTimeout = 60 * time.Second
	defaultStopTimeout    = 2 * time.Second
)

// Client runs a single completion. It is not reusable: once it reaches
// StateDone or StateFailed every further call fails.
type Client struct {
	baseURL        string
	http           *http.Client
	stopWords      []string
	log            zerolog.Logger
	connectTimeout time.Duration
	pollRetries    int
	stopTimeout    time.Duration

	mu           sync.Mutex
	state        State
	polls        int
	fragments    int
	stopRequests int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout should stay 0; every
// call carries a context instead.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithStopWords replaces the stop word set.
func WithStopWords(words []string) Option {
	return func(c *Client) { c.stopWords = append([]string(nil), words...) }
}

// WithConnectTimeout bounds how long Submit retries while the server boots.
// Non-positive values keep the default.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithPollRetries allows n extra attempts per poll on transport errors.
func WithPollRetries(n int) Option { return func(c *Client) { c.pollRetries = n } }

// WithStopTimeout bounds the fire-and-forget stop request. Non-positive
// values keep the default.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// New returns a Client for the server at baseURL (e.g. http://127.0.0.1:3000).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{Transport: InstrumentedTransport(nil)},
		log:            zerolog.Nop(),
		connectTimeout: defaultConnectTimeout,
		stopTimeout:    defaultStopTimeout,
		state:          StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counters returns polls issued, fragments emitted and stop requests sent.
func (c *Client) Counters() (polls, fragments, stopRequests int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls, c.fragments, c.stopRequests
}

func (c *Client) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		return errInvalidTransition{from: c.state, to: to}
	}
	if c.state != to {
		c.log.Debug().Stringer("from", c.state).Stringer("state", to).Msg("completion state")
	}
	c.state = to
	return nil
}

func (c *Client) fail(op string, err error) error {
	_ = c.transition(StateFailed)
	transportErrorsTotal.WithLabelValues(op).Inc()
	return &TransportError{Op: op, Err: err}
}

// MatchesStopWord reports whether fragment contains any stop word as a raw,
// case-sensitive substring.
func (c *Client) MatchesStopWord(fragment string) bool {
	_, ok := c.matchStopWord(fragment)
	return ok
}

func (c *Client) matchStopWord(fragment string) (string, bool) {
	for _, w := range c.stopWords {
		if w != "" && strings.Contains(fragment, w) {
			return w, true
		}
	}
	return "", false
}

// Submit registers the generation job. While the server is still booting,
// connection errors are retried with exponential backoff for up to the
// connect timeout.
func (c *Client) Submit(ctx context.Context, req types.CompletionRequest) error {
	if req.Prompt == "" {
		return ErrEmptyPrompt
	}
	if err := c.transition(StateRequesting); err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return c.fail("submit", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = c.connectTimeout
	op := func() error {
		hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completion", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		hreq.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer drain(resp)
		if resp.StatusCode == http.StatusServiceUnavailable {
			// model still loading
			return readStatusError(resp)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(readStatusError(resp))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("retry_in", wait).Msg("server not ready")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return c.fail("submit", err)
	}
	return c.transition(StateStreaming)
}

// PollNext fetches the next fragment. It must only be called while streaming;
// polls never overlap.
func (c *Client) PollNext(ctx context.Context) (types.TokenEvent, error) {
	if s := c.State(); s != StateStreaming {
		return types.TokenEvent{}, ErrNotStreaming
	}
	var ev types.TokenEvent
	op := func() error {
		c.mu.Lock()
		c.polls++
		c.mu.Unlock()
		pollsTotal.Inc()
		hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/next-token", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer drain(resp)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(readStatusError(resp))
		}
		var next types.TokenEvent
		if err := json.NewDecoder(resp.Body).Decode(&next); err != nil {
			return backoff.Permanent(fmt.Errorf("decode next-token: %w", err))
		}
		ev = next
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.pollRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil {
			// the caller decides how a canceled poll ends the stream
			return types.TokenEvent{}, ctx.Err()
		}
		return types.TokenEvent{}, c.fail("poll", err)
	}
	return ev, nil
}

// RequestStop tells the server to stop generating. It is fire-and-forget:
// the answer is drained and ignored, and it still goes out after ctx is
// canceled so an interrupted run frees the server's slot.
func (c *Client) RequestStop(ctx context.Context) error {
	c.mu.Lock()
	c.stopRequests++
	c.mu.Unlock()
	stopRequestsTotal.Inc()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.stopTimeout)
	defer cancel()
	hreq, err := http.NewRequestWithContext(sctx, http.MethodGet, c.baseURL+"/next-token?stop=true", nil)
	if err != nil {
		return &TransportError{Op: "stop", Err: err}
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		transportErrorsTotal.WithLabelValues("stop").Inc()
		return &TransportError{Op: "stop", Err: err}
	}
	drain(resp)
	return nil
}

// Result summarizes a finished stream.
type Result struct {
	Polls     int
	Fragments int
	Reason    StopReason
	StopWord  string
	Duration  time.Duration
}

// Stream submits req and copies fragments to w in arrival order until the
// server reports the final fragment, a stop word shows up, or ctx is
// canceled.
//
// A fragment containing a stop word is still written, after the stop signal
// has been sent, and no further poll is issued.
func (c *Client) Stream(ctx context.Context, req types.CompletionRequest, w io.Writer) (Result, error) {
	start := time.Now()
	var res Result
	finish := func(reason StopReason) {
		res.Reason = reason
		res.Duration = time.Since(start)
		res.Polls, res.Fragments, _ = c.Counters()
		finishedTotal.WithLabelValues(string(reason)).Inc()
	}

	if err := c.Submit(ctx, req); err != nil {
		if ctx.Err() != nil {
			finish(StopCanceled)
		}
		return res, err
	}
	for {
		ev, err := c.PollNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.stopCanceled(ctx)
				finish(StopCanceled)
				return res, ctx.Err()
			}
			res.Polls, res.Fragments, _ = c.Counters()
			return res, err
		}
		if word, ok := c.matchStopWord(ev.Content); ok {
			if err := c.transition(StateStopping); err != nil {
				return res, err
			}
			if serr := c.RequestStop(ctx); serr != nil {
				c.log.Debug().Err(serr).Msg("stop request failed")
			}
			if err := c.emit(w, ev.Content); err != nil {
				return res, err
			}
			res.StopWord = word
			finish(StopWord)
			return res, c.transition(StateDone)
		}
		if err := c.emit(w, ev.Content); err != nil {
			return res, err
		}
		if ev.Stop {
			if err := c.transition(StateStopping); err != nil {
				return res, err
			}
			finish(StopFinal)
			return res, c.transition(StateDone)
		}
		if err := c.transition(StateStreaming); err != nil {
			return res, err
		}
	}
}

func (c *Client) stopCanceled(ctx context.Context) {
	if err := c.transition(StateStopping); err != nil {
		return
	}
	if err := c.RequestStop(ctx); err != nil {
		c.log.Debug().Err(err).Msg("stop request after cancel failed")
	}
	_ = c.transition(StateDone)
}

func (c *Client) emit(w io.Writer, fragment string) error {
	if fragment == "" {
		return nil
	}
	if _, err := io.WriteString(w, fragment); err != nil {
		_ = c.transition(StateFailed)
		return fmt.Errorf("write fragment: %w", err)
	}
	c.mu.Lock()
	c.fragments++
	c.mu.Unlock()
	fragmentsTotal.Inc()
	return nil
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// IsStatus reports whether err carries an HTTP status from the server.
func IsStatus(err error, code int) bool {
	var se statusError
	return errors.As(err, &se) && se.code == code
}
