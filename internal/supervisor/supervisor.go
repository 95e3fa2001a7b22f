// Package supervisor owns the inference server process: it launches the
// binary, forwards its output, reports how it exited and tears it down on
// request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"whisperer/internal/common/fsutil"
	"whisperer/internal/config"
)

const (
	defaultStopGrace = 2 * time.Second
	stderrTailBytes  = 4096
)

// Supervisor launches at most one server process over its lifetime.
type Supervisor struct {
	log       zerolog.Logger
	publisher EventPublisher
	stdout    io.Writer
	stderr    io.Writer

	mu      sync.Mutex
	started bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithPublisher installs an EventPublisher for lifecycle events.
func WithPublisher(p EventPublisher) Option {
	return func(s *Supervisor) {
		if p == nil {
			p = noopPublisher{}
		}
		s.publisher = p
	}
}

// WithOutput sets where the child's stdout and stderr are forwarded.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Supervisor) { s.stdout, s.stderr = stdout, stderr }
}

// New returns a Supervisor forwarding child output to os.Stdout/os.Stderr.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:       zerolog.Nop(),
		publisher: noopPublisher{},
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExitStatus describes how the server process ended.
type ExitStatus struct {
	Code int
	// Err is the error returned by Wait, if any.
	Err error
	// Aborted is true when the exit followed Abort or cancellation of the
	// context passed to Start. Such exits are expected.
	Aborted bool
	// StderrTail holds the last few KiB the child wrote to stderr.
	StderrTail string
}

// Unexpected reports whether the server stopped on its own.
func (s ExitStatus) Unexpected() bool { return !s.Aborted }

// Failed reports an unexpected exit with a non-zero code or wait error.
func (s ExitStatus) Failed() bool { return !s.Aborted && (s.Code != 0 || s.Err != nil) }

// Handle is the running server process. Its context is the cancellation
// token shared by anything tied to the server's lifetime.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	ctx       context.Context
	cancel    context.CancelFunc
	publisher EventPublisher
	log       zerolog.Logger

	aborted   atomic.Bool
	abortOnce sync.Once
	done      chan struct{}
	status    ExitStatus
}

// Start spawns the server binary with cfg.Args(). It does not wait for the
// server to accept connections. Child output is forwarded as it arrives.
func (s *Supervisor) Start(ctx context.Context, cfg config.ServerConfig) (*Handle, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := fsutil.CheckExecutable(cfg.BinaryPath); err != nil {
		spawnFailuresTotal.Inc()
		return nil, &SpawnError{Path: cfg.BinaryPath, Err: err}
	}
	// the server would only die later with a less obvious message
	if !fsutil.PathExists(cfg.ModelPath) {
		spawnFailuresTotal.Inc()
		return nil, &SpawnError{Path: cfg.BinaryPath, Err: fmt.Errorf("model %s: %w", cfg.ModelPath, fs.ErrNotExist)}
	}

	hctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(hctx, cfg.BinaryPath, cfg.Args()...)
	// Terminate gracefully first; exec kills the process once WaitDelay passes.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = cfg.StopGrace.Std()
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultStopGrace
	}
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stdout = s.stdout
	cmd.Stderr = io.MultiWriter(s.stderr, tail)

	if err := cmd.Start(); err != nil {
		cancel()
		spawnFailuresTotal.Inc()
		return nil, &SpawnError{Path: cfg.BinaryPath, Err: err}
	}
	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		ctx:       hctx,
		cancel:    cancel,
		publisher: s.publisher,
		log:       s.log,
		done:      make(chan struct{}),
	}
	serverUp.Set(1)
	s.log.Info().Int("pid", h.pid).Int("port", cfg.Port).Str("model", cfg.ModelPath).Msg("server started")
	s.publisher.Publish(Event{Name: EventSpawnStart, PID: h.pid, Fields: map[string]any{"port": cfg.Port, "model": cfg.ModelPath}})

	go h.wait(tail)
	return h, nil
}

func (h *Handle) wait(tail *tailBuffer) {
	werr := h.cmd.Wait()
	code := -1
	if ps := h.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	// exec reports ErrWaitDelay when the grace period forced a kill
	if errors.Is(werr, exec.ErrWaitDelay) {
		werr = nil
	}
	st := ExitStatus{
		Code:       code,
		Err:        werr,
		Aborted:    h.aborted.Load() || h.ctx.Err() != nil,
		StderrTail: tail.String(),
	}
	h.status = st

	serverUp.Set(0)
	kind := "unexpected"
	if st.Aborted {
		kind = "aborted"
	}
	serverExitsTotal.WithLabelValues(kind).Inc()
	fields := map[string]any{"code": code, "aborted": st.Aborted}
	if werr != nil {
		fields["error"] = werr.Error()
	}
	h.publisher.Publish(Event{Name: EventSpawnExit, PID: h.pid, Fields: fields})
	h.log.Debug().Int("pid", h.pid).Int("exit_code", code).Bool("aborted", st.Aborted).Msg("server exited")
	close(h.done)
}

// PID of the server process.
func (h *Handle) PID() int { return h.pid }

// Context is canceled by Abort.
func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed once the process has exited and its status is recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	return h.status
}

// Exited reports whether the process has already exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Abort cancels the handle's context, which terminates the process. It is
// safe to call any number of times, including after the process exited.
func (h *Handle) Abort() {
	h.abortOnce.Do(func() {
		if !h.Exited() {
			h.aborted.Store(true)
			h.log.Debug().Int("pid", h.pid).Msg("aborting server")
			h.publisher.Publish(Event{Name: EventSpawnAbort, PID: h.pid})
		}
		h.cancel()
	})
}

// OnExit runs fn exactly once with the exit status, from its own goroutine.
// Registering after the process exited still runs fn.
func (h *Handle) OnExit(fn func(ExitStatus)) {
	go func() {
		<-h.done
		fn(h.status)
	}()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
