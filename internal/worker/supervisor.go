// Package worker supervises the external detection process: spawning,
// health-checking, feeding it frames under backpressure, and terminating it
// with escalation. Detection results come back as typed events.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ayusman/mudra/internal/protocol"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StartupError reports a failed start attempt: missing runtime
// prerequisites or a process that never came up. The supervisor is left
// stopped; there is no automatic retry.
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker startup: %s: %v", e.Reason, e.Err)
	}
	return "worker startup: " + e.Reason
}

func (e *StartupError) Unwrap() error { return e.Err }

// ErrNotRunning is returned by operations that need a running worker.
var ErrNotRunning = errors.New("worker is not running")

const (
	// handshakeTimeout bounds the initial config+ping exchange.
	handshakeTimeout = 10 * time.Second
	// stopGracePeriod is how long Stop waits for a clean exit before
	// killing the process.
	stopGracePeriod = 2 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	// PythonPath is the interpreter to run. Empty means probe for a
	// project venv and fall back to python3 on PATH.
	PythonPath string
	// ScriptPath is the worker script. Empty means probe the usual
	// locations for ScriptName.
	ScriptPath string
	// ScriptName is the worker script filename used when probing.
	// Defaults to "detection_worker.py".
	ScriptName string

	// Detector is the initial tuning snapshot sent on start.
	Detector protocol.WorkerConfig

	// FrameInterval is the minimum spacing between submitted frames.
	FrameInterval time.Duration
	// MaxInFlight caps frames awaiting a result; further frames are
	// dropped, not queued.
	MaxInFlight int
	// BacklogThreshold is the in-flight count above which the submission
	// rate is halved.
	BacklogThreshold int

	Logger *slog.Logger
}

// Supervisor owns one detection worker process. A single logical owner
// drives it; SubmitFrame is safe to call concurrently with event
// consumption but there is exactly one Start/Stop driver.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *protocol.Encoder
	detector protocol.WorkerConfig

	regionMu sync.Mutex
	crop     *protocol.CropInfo
	roi      *protocol.ROIInfo

	frames   chan []byte
	stopCh   chan struct{}
	procDone chan int
	pongCh   chan struct{}
	events   chan Event
	wg       sync.WaitGroup

	inFlight  atomic.Int64
	submitted atomic.Uint64
	dropped   atomic.Uint64

	limiter   *rate.Limiter
	baseLimit limitValue
	throttled atomic.Bool
}

// limitValue is an atomically replaceable rate.Limit. SetFrameInterval
// writes it from the config goroutine while updateThrottle reads it on the
// submit and result paths.
type limitValue struct {
	bits atomic.Uint64
}

func (v *limitValue) Store(l rate.Limit) {
	v.bits.Store(math.Float64bits(float64(l)))
}

func (v *limitValue) Load() rate.Limit {
	return rate.Limit(math.Float64frombits(v.bits.Load()))
}

// New creates a Supervisor in the Stopped state.
func New(opts Options) *Supervisor {
	if opts.ScriptName == "" {
		opts.ScriptName = "detection_worker.py"
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 100 * time.Millisecond
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 3
	}
	if opts.BacklogThreshold <= 0 {
		opts.BacklogThreshold = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	base := rate.Every(opts.FrameInterval)
	s := &Supervisor{
		opts:     opts,
		log:      opts.Logger.With("component", "worker"),
		detector: opts.Detector,
		events:   make(chan Event, 16),
		limiter:  rate.NewLimiter(base, 1),
	}
	s.baseLimit.Store(base)
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Events is the supervisor's notification stream. It is never closed; an
// EventStopped marks the end of a worker's life.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// InFlight returns the number of frames awaiting a result.
func (s *Supervisor) InFlight() int {
	return int(s.inFlight.Load())
}

// Dropped returns the number of frames rejected for backpressure.
func (s *Supervisor) Dropped() uint64 {
	return s.dropped.Load()
}

// Start verifies the worker's runtime prerequisites, spawns the process,
// sends the initial configuration and confirms liveness with a ping.
// Any failure leaves the supervisor Stopped and returns a StartupError.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("cannot start worker in state %s", s.State())
	}

	script := s.opts.ScriptPath
	if script == "" {
		script = findWorkerScript(s.opts.ScriptName)
	} else if _, err := os.Stat(script); err != nil {
		s.state.Store(int32(StateStopped))
		return &StartupError{Reason: "worker script " + script, Err: err}
	}
	if script == "" {
		s.state.Store(int32(StateStopped))
		return &StartupError{Reason: s.opts.ScriptName + " not found"}
	}

	python := s.opts.PythonPath
	if python == "" {
		python = findVenvPython()
	}
	if python == "" {
		p, err := exec.LookPath("python3")
		if err != nil {
			s.state.Store(int32(StateStopped))
			return &StartupError{Reason: "no python interpreter available", Err: err}
		}
		python = p
	}

	cmd := exec.Command(python, script)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.state.Store(int32(StateStopped))
		return &StartupError{Reason: "create stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.state.Store(int32(StateStopped))
		return &StartupError{Reason: "create stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.state.Store(int32(StateStopped))
		return &StartupError{Reason: "create stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		s.state.Store(int32(StateStopped))
		return &StartupError{Reason: "spawn worker process", Err: err}
	}

	s.cmd = cmd
	s.stdin = stdin
	s.begin(stdin, stdout)

	s.wg.Add(1)
	go s.relayStderr(stderr)

	s.wg.Add(1)
	go s.waitProcess()

	if err := s.handshake(ctx); err != nil {
		s.log.Error("worker handshake failed, terminating", "error", err)
		close(s.stopCh)
		stdin.Close()
		cmd.Process.Kill()
		s.wg.Wait()
		s.reset()
		return &StartupError{Reason: "handshake", Err: err}
	}

	s.state.Store(int32(StateRunning))
	s.log.Info("worker running", "script", script, "python", python)
	return nil
}

// begin wires the protocol goroutines over the given pipes. Split from
// Start so tests can drive a supervisor over in-memory pipes.
func (s *Supervisor) begin(stdin io.WriteCloser, stdout io.Reader) {
	s.enc = protocol.NewEncoder(stdin)
	s.frames = make(chan []byte, s.opts.MaxInFlight)
	s.stopCh = make(chan struct{})
	s.procDone = make(chan int, 1)
	s.pongCh = make(chan struct{}, 1)

	s.wg.Add(2)
	go s.sendFrames()
	go s.readResults(stdout)
}

func (s *Supervisor) handshake(ctx context.Context) error {
	detector := s.detector
	if err := s.enc.Send(&protocol.Header{Type: protocol.MessageConfig, Config: &detector}, nil); err != nil {
		return fmt.Errorf("send initial config: %w", err)
	}
	if err := s.enc.Send(&protocol.Header{Type: protocol.MessagePing}, nil); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}

	select {
	case <-s.pongCh:
		return nil
	case code := <-s.procDone:
		return fmt.Errorf("worker exited with code %d before answering ping", code)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(handshakeTimeout):
		return errors.New("no pong within handshake timeout")
	}
}

// SubmitFrame offers one encoded frame to the worker. It returns false,
// with no side effect beyond a drop counter, when the worker is not
// running, the buffer is empty, the rate limiter denies, or the in-flight
// cap is reached. Stale detections are worse than missing ones, so frames
// are dropped rather than queued.
func (s *Supervisor) SubmitFrame(buf []byte) bool {
	if s.State() != StateRunning {
		return false
	}
	if len(buf) == 0 {
		return false
	}
	if s.inFlight.Load() >= int64(s.opts.MaxInFlight) {
		s.dropped.Add(1)
		return false
	}
	if !s.limiter.Allow() {
		return false
	}

	s.inFlight.Add(1)
	s.updateThrottle()

	select {
	case s.frames <- buf:
		s.submitted.Add(1)
		return true
	default:
		s.decInFlight()
		s.dropped.Add(1)
		return false
	}
}

// UpdateConfig sends a new detector tuning snapshot to the running worker
// without a restart.
func (s *Supervisor) UpdateConfig(cfg protocol.WorkerConfig) error {
	s.mu.Lock()
	s.detector = cfg
	enc := s.enc
	s.mu.Unlock()

	if s.State() != StateRunning || enc == nil {
		return ErrNotRunning
	}
	if err := enc.Send(&protocol.Header{Type: protocol.MessageConfig, Config: &cfg}, nil); err != nil {
		return fmt.Errorf("send config update: %w", err)
	}
	s.log.Debug("worker config updated", "max_hands", cfg.MaxHands, "model_complexity", cfg.ModelComplexity)
	return nil
}

// SetRegions updates the crop and ROI bookkeeping attached to outgoing
// frames and echoed onto results.
func (s *Supervisor) SetRegions(crop *protocol.CropInfo, roi *protocol.ROIInfo) {
	s.regionMu.Lock()
	s.crop = crop
	s.roi = roi
	s.regionMu.Unlock()
}

// SetFrameInterval replaces the base submission interval.
func (s *Supervisor) SetFrameInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.opts.FrameInterval = d
	s.mu.Unlock()

	base := rate.Every(d)
	s.baseLimit.Store(base)
	if s.throttled.Load() {
		s.limiter.SetLimit(base / 2)
	} else {
		s.limiter.SetLimit(base)
	}
}

// Stop requests graceful termination, escalating to a kill after the grace
// period. In-flight accounting is cleared and no frame is accepted
// afterwards. Safe to call when already stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	st := s.State()
	if st != StateRunning && st != StateStarting {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateStopping))
	close(s.stopCh)
	if s.stdin != nil {
		s.stdin.Close()
	}
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil {
		select {
		case <-s.procDone:
		case <-time.After(stopGracePeriod):
			s.log.Warn("worker did not exit within grace period, killing")
			cmd.Process.Kill()
			<-s.procDone
		}
	}

	s.wg.Wait()

	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
	s.log.Info("worker stopped")
}

// reset clears process state. Caller holds mu (or is the sole owner).
func (s *Supervisor) reset() {
	s.cmd = nil
	s.stdin = nil
	s.enc = nil
	s.inFlight.Store(0)
	s.throttled.Store(false)
	s.limiter.SetLimit(s.baseLimit.Load())
	s.state.Store(int32(StateStopped))
}

func (s *Supervisor) sendFrames() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case buf := <-s.frames:
			s.regionMu.Lock()
			h := &protocol.Header{
				Type:     protocol.MessageProcessFrame,
				CropInfo: s.crop,
				ROIInfo:  s.roi,
			}
			s.regionMu.Unlock()

			if err := s.enc.Send(h, buf); err != nil {
				// The frame never reached the worker; no result
				// will come back for it.
				s.decInFlight()
				select {
				case <-s.stopCh:
				default:
					s.log.Warn("frame send failed", "error", err)
				}
			}
		}
	}
}

func (s *Supervisor) readResults(stdout io.Reader) {
	defer s.wg.Done()

	sc := protocol.NewResultScanner(stdout)
	for {
		res, err := sc.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				s.emit(Event{Kind: EventProtocolError, Err: err})
				continue
			}
			// EOF or closed pipe: the process is going away.
			return
		}

		if res.IsControl() {
			if res.Message == "pong" {
				select {
				case s.pongCh <- struct{}{}:
				default:
				}
			} else {
				s.log.Debug("worker control message", "message", res.Message)
			}
			continue
		}

		// One result settles one in-flight frame, success or not.
		s.decInFlight()
		s.updateThrottle()

		if !res.Success && res.Error != "" {
			s.emit(Event{Kind: EventDetectionError, Err: errors.New(res.Error)})
			continue
		}

		s.regionMu.Lock()
		res.CropInfo = s.crop
		s.regionMu.Unlock()

		s.emit(Event{Kind: EventDetection, Result: res})
	}
}

func (s *Supervisor) relayStderr(stderr io.Reader) {
	defer s.wg.Done()

	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			s.log.Error("worker stderr", "line", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			s.log.Warn("worker stderr", "line", line)
		default:
			s.log.Debug("worker stderr", "line", line)
		}
	}
}

func (s *Supervisor) waitProcess() {
	defer s.wg.Done()

	err := s.cmd.Wait()
	code := 0
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}

	if s.State() == StateRunning {
		// Unexpected exit; Stop was not called.
		s.log.Error("worker exited unexpectedly", "exit_code", code, "error", err)
		s.state.Store(int32(StateStopped))
	}

	s.emit(Event{Kind: EventStopped, ExitCode: code})
	s.procDone <- code
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event dropped, consumer not keeping up", "kind", ev.Kind.String())
	}
}

func (s *Supervisor) decInFlight() {
	for {
		cur := s.inFlight.Load()
		if cur == 0 {
			return
		}
		if s.inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// updateThrottle halves the submission rate while the in-flight count sits
// above the backlog threshold and restores it once the backlog clears.
func (s *Supervisor) updateThrottle() {
	backlog := s.inFlight.Load() > int64(s.opts.BacklogThreshold)
	if backlog {
		if s.throttled.CompareAndSwap(false, true) {
			s.limiter.SetLimit(s.baseLimit.Load() / 2)
			s.log.Debug("worker backlog, halving frame rate", "in_flight", s.inFlight.Load())
		}
	} else {
		if s.throttled.CompareAndSwap(true, false) {
			s.limiter.SetLimit(s.baseLimit.Load())
		}
	}
}
