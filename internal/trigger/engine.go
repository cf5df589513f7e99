// Package trigger converts noisy per-frame trigger conditions into
// debounced, cooldown-protected, dwell-gated discrete events. One piece of
// state exists per trigger kind; all of it is mutated on a single event
// loop, so the timers and the condition stream never race.
package trigger

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/router"
)

// Kind identifies a trigger.
type Kind int

const (
	// KindStart begins a recording session.
	KindStart Kind = iota
	// KindStop ends a recording session.
	KindStop
	// KindAction fires the special V-sign action.
	KindAction

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindAction:
		return "action"
	default:
		return "unknown"
	}
}

// Event is one discrete trigger firing.
type Event struct {
	ID         string
	Kind       Kind
	FiredAt    time.Time
	Count      uint64
	Confidence float64
	X, Y       float64
}

// ProgressUpdate reports dwell completion for UI feedback.
type ProgressUpdate struct {
	Kind     Kind
	Progress float64
	Locked   bool
}

// KindState is a read-only snapshot of one trigger's state.
type KindState struct {
	Kind        Kind
	Active      bool
	Locked      bool
	Progress    float64
	Count       uint64
	LastFiredAt time.Time
}

// Timing groups the three timing controls. Dwell is how long a condition
// must hold before firing; debounce absorbs flicker at the zone boundary;
// cooldown spaces successive firings of the same kind.
type Timing struct {
	Dwell    time.Duration
	Debounce time.Duration
	Cooldown time.Duration
}

// TimingFromConfig extracts the trigger timings from a config snapshot.
func TimingFromConfig(cfg config.Config) Timing {
	return Timing{
		Dwell:    time.Duration(cfg.DwellMs) * time.Millisecond,
		Debounce: time.Duration(cfg.DebounceMs) * time.Millisecond,
		Cooldown: time.Duration(cfg.CooldownMs) * time.Millisecond,
	}
}

// progressInterval is the UI progress recomputation period.
const progressInterval = 50 * time.Millisecond

type state struct {
	active      bool
	enteredAt   time.Time
	progress    float64
	locked      bool
	lastFiredAt time.Time
	count       uint64

	conf float64
	x, y float64

	fireTimer     *time.Timer
	debounceTimer *time.Timer
}

// Engine runs the trigger state machines. Conditions go in through Offer;
// discrete events come out of Events. All state lives on the engine's own
// goroutine; external code must never touch it directly.
type Engine struct {
	log    *slog.Logger
	timing Timing

	cmds     chan func()
	events   chan Event
	progress chan ProgressUpdate

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	recFlag atomic.Bool

	// Loop-owned state below; only the run goroutine touches it.
	states    [numKinds]*state
	recording bool
	ticker    *time.Ticker
	tickerOn  bool
}

// NewEngine creates and starts an Engine.
func NewEngine(timing Timing, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:      log.With("component", "trigger"),
		timing:   timing,
		cmds:     make(chan func(), 64),
		events:   make(chan Event, 8),
		progress: make(chan ProgressUpdate, 32),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range e.states {
		e.states[i] = &state{}
	}
	go e.run()
	return e
}

// Events is the discrete trigger stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Progress is the dwell-progress stream for UI feedback.
func (e *Engine) Progress() <-chan ProgressUpdate {
	return e.progress
}

// Recording reports whether the engine currently considers a recording
// session active.
func (e *Engine) Recording() bool {
	return e.recFlag.Load()
}

// SetRecording forces the recording flag, for external state sync.
func (e *Engine) SetRecording(rec bool) {
	e.post(func() {
		e.recording = rec
		e.recFlag.Store(rec)
	})
}

// UpdateTiming replaces the timing controls. In-flight countdowns keep the
// timing they started with.
func (e *Engine) UpdateTiming(t Timing) {
	e.post(func() { e.timing = t })
}

// Offer feeds one frame's conditions through every trigger kind.
func (e *Engine) Offer(c router.Conditions) {
	e.post(func() { e.handle(c) })
}

// Snapshot returns the current per-kind states, for status surfaces.
func (e *Engine) Snapshot() []KindState {
	reply := make(chan []KindState, 1)
	if !e.post(func() {
		out := make([]KindState, numKinds)
		for k := Kind(0); k < numKinds; k++ {
			st := e.states[k]
			out[k] = KindState{
				Kind:        k,
				Active:      st.active,
				Locked:      st.locked,
				Progress:    st.progress,
				Count:       st.count,
				LastFiredAt: st.lastFiredAt,
			}
		}
		reply <- out
	}) {
		return nil
	}
	select {
	case s := <-reply:
		return s
	case <-e.closed:
		return nil
	}
}

// Close tears the engine down: every pending dwell countdown and the
// progress ticker are cancelled, and no trigger fires afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	<-e.done
}

func (e *Engine) post(fn func()) bool {
	select {
	case <-e.closed:
		return false
	case e.cmds <- fn:
		return true
	}
}

func (e *Engine) run() {
	defer close(e.done)

	e.ticker = time.NewTicker(progressInterval)
	e.ticker.Stop()
	defer e.ticker.Stop()

	for {
		select {
		case <-e.closed:
			for _, st := range e.states {
				if st.fireTimer != nil {
					st.fireTimer.Stop()
				}
				if st.debounceTimer != nil {
					st.debounceTimer.Stop()
				}
			}
			return
		case fn := <-e.cmds:
			fn()
		case <-e.ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) handle(c router.Conditions) {
	now := time.Now()

	// The special gesture inside the start zone pre-empts the plain
	// start condition in the same frame.
	start := c.Start && !c.Action

	e.apply(KindStart, start && !e.recording, now, c)
	e.apply(KindAction, c.Action && !e.recording, now, c)
	e.apply(KindStop, c.Stop && e.recording, now, c)
}

// apply runs the immediate-lock variant for one kind: on first detection
// the state activates and, cooldown permitting, locks and schedules its
// fire after the dwell time. A locked countdown is never cancelled by the
// condition going away.
func (e *Engine) apply(k Kind, cond bool, now time.Time, c router.Conditions) {
	st := e.states[k]

	if !cond {
		if st.locked {
			// Committed: a brief dropout must not discard the gesture.
			return
		}
		if st.active && st.debounceTimer == nil {
			st.debounceTimer = time.AfterFunc(e.timing.Debounce, func() {
				e.post(func() { e.clearAfterDebounce(k) })
			})
		}
		return
	}

	// Condition present again: cancel a pending debounce clear.
	if st.debounceTimer != nil {
		st.debounceTimer.Stop()
		st.debounceTimer = nil
	}

	if st.locked {
		return
	}

	if !st.active {
		st.active = true
		st.enteredAt = now
		st.progress = 0
		st.conf, st.x, st.y = c.Confidence, c.X, c.Y
		e.ensureTicker()
	}

	if !st.lastFiredAt.IsZero() && now.Sub(st.lastFiredAt) <= e.timing.Cooldown {
		// Inside the cooldown window: abandon the attempt outright,
		// no lock, no countdown.
		e.log.Debug("trigger suppressed by cooldown",
			"kind", k.String(), "since_last", now.Sub(st.lastFiredAt))
		st.active = false
		st.progress = 0
		e.maybeStopTicker()
		return
	}

	st.locked = true
	remaining := e.timing.Dwell - now.Sub(st.enteredAt)
	if remaining < 0 {
		remaining = 0
	}
	st.fireTimer = time.AfterFunc(remaining, func() {
		e.post(func() { e.fire(k) })
	})
}

func (e *Engine) fire(k Kind) {
	st := e.states[k]
	if !st.locked {
		return
	}

	now := time.Now()
	st.locked = false
	st.active = false
	st.progress = 0
	st.fireTimer = nil
	st.lastFiredAt = now
	st.count++

	switch k {
	case KindStart:
		e.recording = true
		e.recFlag.Store(true)
	case KindStop:
		e.recording = false
		e.recFlag.Store(false)
	}

	ev := Event{
		ID:         uuid.NewString(),
		Kind:       k,
		FiredAt:    now,
		Count:      st.count,
		Confidence: st.conf,
		X:          st.x,
		Y:          st.y,
	}
	select {
	case e.events <- ev:
	default:
		e.log.Warn("trigger event dropped, consumer not keeping up", "kind", k.String())
	}
	e.log.Info("trigger fired", "kind", k.String(), "count", st.count)

	e.emitProgress(k, 0, false)
	e.maybeStopTicker()
}

func (e *Engine) clearAfterDebounce(k Kind) {
	st := e.states[k]
	st.debounceTimer = nil
	if st.locked {
		return
	}
	st.active = false
	st.progress = 0
	e.emitProgress(k, 0, false)
	e.maybeStopTicker()
}

func (e *Engine) tick() {
	now := time.Now()
	anyLive := false
	for k := Kind(0); k < numKinds; k++ {
		st := e.states[k]
		if !st.active && !st.locked {
			continue
		}
		anyLive = true
		p := 1.0
		if e.timing.Dwell > 0 {
			p = float64(now.Sub(st.enteredAt)) / float64(e.timing.Dwell)
		}
		if p > 1 {
			p = 1
		}
		st.progress = p
		e.emitProgress(k, p, st.locked)
	}
	if !anyLive {
		e.ticker.Stop()
		e.tickerOn = false
	}
}

func (e *Engine) emitProgress(k Kind, p float64, locked bool) {
	select {
	case e.progress <- ProgressUpdate{Kind: k, Progress: p, Locked: locked}:
	default:
	}
}

func (e *Engine) ensureTicker() {
	if !e.tickerOn {
		e.ticker.Reset(progressInterval)
		e.tickerOn = true
	}
}

func (e *Engine) maybeStopTicker() {
	for _, st := range e.states {
		if st.active || st.locked {
			return
		}
	}
	e.ticker.Stop()
	e.tickerOn = false
}
