// Package app wires the supervisor, the history reader and the completion
// client into one invocation.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"whisperer/internal/completion"
	"whisperer/internal/config"
	"whisperer/internal/history"
	"whisperer/internal/httpapi"
	"whisperer/internal/supervisor"
	"whisperer/pkg/types"
)

var (
	// ErrInterrupted is returned when the run was canceled from outside.
	ErrInterrupted = errors.New("interrupted")
	// ErrServerExited is returned when the server died before taking the job.
	ErrServerExited = errors.New("server exited before accepting the completion")
)

// App runs a single invocation. Create one per run.
type App struct {
	cfg       config.Config
	log       zerolog.Logger
	stdout    io.Writer
	stderr    io.Writer
	publisher supervisor.EventPublisher
	preamble  string

	mu     sync.Mutex
	handle *supervisor.Handle
	client *completion.Client
}

// Option configures an App.
type Option func(*App)

// WithPublisher forwards supervisor lifecycle events.
func WithPublisher(p supervisor.EventPublisher) Option { return func(a *App) { a.publisher = p } }

// WithPreamble replaces the prompt preamble.
func WithPreamble(p string) Option { return func(a *App) { a.preamble = p } }

// New returns an App writing generated text to stdout and diagnostics to stderr.
func New(cfg config.Config, log zerolog.Logger, stdout, stderr io.Writer, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		log:      log,
		stdout:   stdout,
		stderr:   stderr,
		preamble: completion.DefaultPreamble,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Status implements httpapi.StatusSource.
func (a *App) Status() types.Status {
	a.mu.Lock()
	h, c := a.handle, a.client
	a.mu.Unlock()
	st := types.Status{State: completion.StateIdle.String(), ServerURL: a.cfg.Server.BaseURL()}
	if h != nil {
		st.ServerPID = h.PID()
		st.Aborted = h.Context().Err() != nil
	}
	if c != nil {
		st.State = c.State().String()
		st.Polls, st.Fragments, _ = c.Counters()
	}
	return st
}

// Run starts the server and reads the history concurrently, then streams one
// completion to stdout. Canceling ctx ends the stream, tells the server to
// stop generating and then terminates it.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Metrics.Addr != "" {
		mctx, stopMetrics := context.WithCancel(context.Background())
		defer stopMetrics()
		go func() {
			if err := httpapi.Serve(mctx, a.cfg.Metrics.Addr, httpapi.NewMux(a, a.log), a.log, nil); err != nil {
				a.log.Warn().Err(err).Msg("status endpoint failed")
			}
		}()
	}

	sup := supervisor.New(
		supervisor.WithLogger(a.log),
		supervisor.WithPublisher(a.publisher),
		supervisor.WithOutput(a.stdout, a.stderr),
	)

	var lines []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Only shutdown kills the server, so an interrupted stream can still
		// deliver its stop request.
		h, err := sup.Start(context.WithoutCancel(ctx), a.cfg.Server)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.handle = h
		a.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		var err error
		lines, err = history.ReadTail(gctx, a.cfg.History.Path, a.cfg.History.Lines)
		return err
	})
	err := g.Wait()

	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h == nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		if err == nil {
			err = errors.New("server handle missing")
		}
		return err
	}

	sctx, cancelStream := context.WithCancelCause(ctx)
	defer cancelStream(nil)
	// aborting the handle also stops polling
	stopOnAbort := context.AfterFunc(h.Context(), func() { cancelStream(context.Canceled) })
	defer stopOnAbort()

	// Stop waiting on a server that died before it took the job. Once
	// streaming, a dead server shows up as a failed poll instead.
	exitHandled := make(chan struct{})
	h.OnExit(func(st supervisor.ExitStatus) {
		defer close(exitHandled)
		if !st.Unexpected() {
			return
		}
		a.reportExit(st)
		if s := a.clientState(); s == completion.StateIdle || s == completion.StateRequesting {
			cancelStream(ErrServerExited)
		}
	})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.stderr, "Killing server and listener")
		case <-h.Done():
		}
	}()
	defer func() { <-watchDone }()
	defer a.shutdown(h, exitHandled)

	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return err
	}

	err = a.stream(sctx, history.Instruction(lines))
	switch {
	case err == nil:
		return nil
	case errors.Is(context.Cause(sctx), ErrServerExited):
		return ErrServerExited
	case ctx.Err() != nil:
		return ErrInterrupted
	case completion.IsTransportError(err):
		// A server that died mid-stream surfaces here first; let its exit be
		// recorded before shutdown marks it aborted.
		select {
		case <-h.Done():
		case <-time.After(exitSettle):
		}
	}
	return err
}

// exitSettle is how long a failed poll waits for a dying server to be reaped.
const exitSettle = 500 * time.Millisecond

func (a *App) clientState() completion.State {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return completion.StateIdle
	}
	return c.State()
}

func (a *App) stream(ctx context.Context, instruction string) error {
	client := completion.New(a.cfg.Server.BaseURL(),
		completion.WithLogger(a.log),
		completion.WithStopWords(a.cfg.Client.StopWords),
		completion.WithConnectTimeout(a.cfg.Client.ConnectTimeout.Std()),
		completion.WithStopTimeout(a.cfg.Client.StopTimeout.Std()),
		completion.WithPollRetries(a.cfg.Client.PollRetries),
	)
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	prompt := completion.BuildPrompt(a.preamble, instruction)
	if a.cfg.Client.Echo() {
		_, _ = io.WriteString(a.stdout, prompt)
	}
	req := completion.NewRequest(prompt, a.cfg.Sampling, a.cfg.Client.StopWords)
	res, err := client.Stream(ctx, req, a.stdout)
	if res.Fragments > 0 {
		_, _ = io.WriteString(a.stdout, "\n")
	}
	var ev *zerolog.Event
	if res.Reason == completion.StopNone {
		ev = a.log.Warn().Err(err)
	} else {
		ev = a.log.Info()
	}
	ev.Int("polls", res.Polls).
		Int("fragments", res.Fragments).
		Str("reason", string(res.Reason)).
		Str("stop_word", res.StopWord).
		Dur("dur", res.Duration).
		Msg("completion finished")
	return err
}

func (a *App) reportExit(st supervisor.ExitStatus) {
	fmt.Fprintf(a.stderr, "Child process exited with code %d\n", st.Code)
	if st.Failed() {
		ev := a.log.Error().Int("exit_code", st.Code)
		if st.Err != nil {
			ev = ev.Err(st.Err)
		}
		if st.StderrTail != "" {
			ev = ev.Str("stderr_tail", st.StderrTail)
		}
		ev.Msg("server failed")
	}
}

// shutdown aborts the server and waits for it to go away and for its exit
// to be reported.
func (a *App) shutdown(h *supervisor.Handle, exitHandled <-chan struct{}) {
	h.Abort()
	grace := a.cfg.Server.StopGrace.Std()
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-exitHandled:
	case <-time.After(grace + time.Second):
		a.log.Warn().Int("pid", h.PID()).Msg("server did not exit in time")
	}
}
