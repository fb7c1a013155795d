package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by operations invoked after Stop.
	ErrStopped = errors.New("supervisor is stopped")
	// ErrNotRunning is returned by Send when no worker process is live.
	ErrNotRunning = errors.New("worker is not running")
)

const defaultRestartDelay = 5 * time.Second

// Supervisor owns the single backend worker process.
type Supervisor struct {
	log *zap.SugaredLogger
	cfg Config

	events chan Event
	done   chan struct{}

	// writeMu serializes stdin writes so concurrent Send calls cannot
	// interleave partial lines.
	writeMu sync.Mutex

	mu            sync.Mutex
	cur           *process
	restartTimer  *time.Timer
	restarts      int
	lastMessageAt time.Time
	started       bool
	stopped       bool

	wg sync.WaitGroup
}

// process is one live worker handle. At most one exists at any time.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// Option configures a Supervisor.
type Option func(s *Supervisor)

// WithLogger replaces the default development logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// New builds a Supervisor. The worker is not spawned until Start.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	s := &Supervisor{
		cfg:    cfg,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(fmt.Sprintf("building logger: %s", err))
		}
		s.log = logger.Named("supervisor").Sugar()
	}
	return s
}

// Events returns the stream of worker messages and lifecycle events. The
// channel is closed after Stop has torn everything down.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Start prepares directories, authenticates, and spawns the worker.
// It fails permanently once Stop has been called.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.prepareDirs(); err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}
	if err := s.authenticate(); err != nil {
		return fmt.Errorf("authenticating worker: %w", err)
	}
	if err := s.spawn(); err != nil {
		return fmt.Errorf("spawning worker: %w", err)
	}
	return nil
}

func (s *Supervisor) prepareDirs() error {
	dirs := s.cfg.DataDirs
	if s.cfg.Dir != "" {
		dirs = append([]string{s.cfg.Dir}, dirs...)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// authenticate runs the one-shot handshake child. Exit status zero is the
// only success condition.
func (s *Supervisor) authenticate() error {
	if s.cfg.AuthCommand == "" {
		return nil
	}
	args := append(append([]string{}, s.cfg.AuthArgs...), s.cfg.Token)
	cmd := exec.Command(s.cfg.AuthCommand, args...)
	cmd.Env = append(os.Environ(), "PROCBRIDGE_WORKER_TOKEN="+s.cfg.Token)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("auth command exited with status %d", exitErr.ExitCode())
		}
		return fmt.Errorf("running auth command: %w", err)
	}
	return nil
}

func (s *Supervisor) spawn() error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if s.cfg.Dir != "" {
		cmd.Dir = s.cfg.Dir
	}
	cmd.Env = append(os.Environ(), "PROCBRIDGE_WORKER_TOKEN="+s.cfg.Token)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		stdin.Close()
		return ErrStopped
	}
	if s.cur != nil {
		s.mu.Unlock()
		stdin.Close()
		return errors.New("worker already running")
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("starting worker: %w", err)
	}
	p := &process{cmd: cmd, stdin: stdin}
	s.cur = p
	s.wg.Add(3)
	s.mu.Unlock()

	s.log.Infof("worker started: pid=%d command=%s", cmd.Process.Pid, s.cfg.Command)

	go s.readStdout(stdout)
	go s.readStderr(stderr)
	go s.waitExit(p)
	return nil
}

// Send serializes payload as one JSON line and writes it to the worker's
// stdin. The write blocks while the pipe is full, which is the backpressure
// signal: callers are suspended instead of the line being buffered or dropped.
func (s *Supervisor) Send(payload any) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	p := s.cur
	s.mu.Unlock()
	if p == nil {
		return ErrNotRunning
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	b = append(b, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("writing to worker stdin: %w", err)
	}
	return nil
}

func (s *Supervisor) readStdout(r io.Reader) {
	defer s.wg.Done()

	var framer lineFramer
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.feed(buf[:n]) {
				s.handleLine(line)
			}
		}
		if err != nil {
			if leftover := framer.pending(); leftover > 0 {
				s.log.Debugf("discarding %d unterminated stdout bytes", leftover)
			}
			return
		}
	}
}

func (s *Supervisor) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if !json.Valid(line) {
		s.log.Warnf("discarding malformed worker line: %s", truncateLine(line))
		return
	}
	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessage, Message: json.RawMessage(line)})
}

func (s *Supervisor) readStderr(r io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Warnf("worker stderr: %s", scanner.Text())
	}
}

func (s *Supervisor) waitExit(p *process) {
	defer s.wg.Done()

	err := p.cmd.Wait()
	exitCode := p.cmd.ProcessState.ExitCode()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			s.log.Warnf("unexpected wait error: %s", err)
		}
	}

	s.mu.Lock()
	if s.cur == p {
		s.cur = nil
	}
	stopped := s.stopped
	s.mu.Unlock()

	s.log.Infof("worker exited with code %d", exitCode)

	// The exit event goes out before any restart is scheduled so the owner
	// can fail in-flight requests against a consistent view.
	s.emit(Event{Kind: EventExit, ExitCode: exitCode})

	if !stopped {
		s.scheduleRestart()
	}
}

func (s *Supervisor) scheduleRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.restarts++
	attempt := s.restarts
	s.log.Infof("scheduling worker restart %d in %s", attempt, s.cfg.RestartDelay)
	s.restartTimer = time.AfterFunc(s.cfg.RestartDelay, func() {
		s.restart(attempt)
	})
}

// restart retries forever with the fixed delay. A spawn failure is logged and
// rescheduled rather than giving up.
func (s *Supervisor) restart(attempt int) {
	// Register with the waitgroup under the stopped check so Stop cannot
	// close the events channel while a restart attempt is still emitting.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := s.authenticate(); err != nil {
		s.log.Warnf("restart %d: auth failed: %s", attempt, err)
		s.emit(Event{Kind: EventError, Err: fmt.Errorf("restart auth: %w", err)})
		s.scheduleRestart()
		return
	}
	if err := s.spawn(); err != nil {
		s.log.Warnf("restart %d: spawn failed: %s", attempt, err)
		s.emit(Event{Kind: EventError, Err: fmt.Errorf("restart spawn: %w", err)})
		s.scheduleRestart()
		return
	}
	s.log.Infof("worker restarted, attempt %d", attempt)
}

// Stats reports the running flag, restart count, and last message timestamp.
func (s *Supervisor) Stats() (running bool, restarts int, lastMessage time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil, s.restarts, s.lastMessageAt
}

// Stop marks the supervisor permanently closed, kills the live process if
// any, and closes the events channel once the reader goroutines have drained.
// It is idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	p := s.cur
	s.cur = nil
	s.mu.Unlock()

	close(s.done)

	if p != nil {
		p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}

	s.wg.Wait()
	close(s.events)
	return nil
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func truncateLine(line []byte) string {
	const max = 256
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}
