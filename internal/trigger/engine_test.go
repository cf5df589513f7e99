package trigger

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ayusman/mudra/internal/router"
)

func newTestEngine(t *testing.T, timing Timing) *Engine {
	t.Helper()
	e := NewEngine(timing, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(e.Close)
	return e
}

func startCond() router.Conditions {
	return router.Conditions{Start: true, Confidence: 0.9, X: 0.8, Y: 0.4, At: time.Now()}
}

func stopCond() router.Conditions {
	return router.Conditions{Stop: true, Confidence: 0.9, X: 0.15, Y: 0.4, At: time.Now()}
}

func waitEvent(t *testing.T, e *Engine, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for trigger event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, e *Engine, d time.Duration) {
	t.Helper()
	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected %s event", ev.Kind)
	case <-time.After(d):
	}
}

// A committed countdown completes and fires exactly once even when the
// condition disappears partway through the dwell window.
func TestLockedCountdownSurvivesDropout(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 80 * time.Millisecond, Debounce: 30 * time.Millisecond, Cooldown: time.Second})

	e.Offer(startCond())
	time.Sleep(20 * time.Millisecond)
	e.Offer(router.Conditions{At: time.Now()}) // hand leaves the zone mid-dwell

	ev := waitEvent(t, e, time.Second)
	if ev.Kind != KindStart {
		t.Fatalf("fired %s, want start", ev.Kind)
	}
	if ev.Count != 1 {
		t.Fatalf("count = %d, want 1", ev.Count)
	}
	if ev.ID == "" {
		t.Fatal("event has no ID")
	}
	assertNoEvent(t, e, 200*time.Millisecond)
}

// Repeated condition frames during an active countdown do not stack
// additional firings.
func TestRepeatedConditionFiresOnce(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 80 * time.Millisecond, Debounce: 30 * time.Millisecond, Cooldown: time.Second})

	for i := 0; i < 5; i++ {
		e.Offer(startCond())
		time.Sleep(10 * time.Millisecond)
	}

	ev := waitEvent(t, e, time.Second)
	if ev.Kind != KindStart || ev.Count != 1 {
		t.Fatalf("got %s count %d, want single start", ev.Kind, ev.Count)
	}
	assertNoEvent(t, e, 200*time.Millisecond)
}

// A condition re-entering the zone inside the cooldown window is abandoned
// outright; the same condition fires again once the cooldown expires.
func TestCooldownSuppressesThenAllows(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 40 * time.Millisecond, Debounce: 20 * time.Millisecond, Cooldown: 250 * time.Millisecond})

	e.Offer(startCond())
	first := waitEvent(t, e, time.Second)
	if first.Kind != KindStart {
		t.Fatalf("fired %s, want start", first.Kind)
	}

	// Undo the recording state so only the cooldown stands in the way.
	e.SetRecording(false)
	time.Sleep(50 * time.Millisecond)
	e.Offer(startCond())
	assertNoEvent(t, e, 150*time.Millisecond)

	time.Sleep(200 * time.Millisecond) // past the cooldown now
	e.Offer(startCond())
	second := waitEvent(t, e, time.Second)
	if second.Kind != KindStart || second.Count != 2 {
		t.Fatalf("got %s count %d, want second start", second.Kind, second.Count)
	}
	if got := second.FiredAt.Sub(first.FiredAt); got < 250*time.Millisecond {
		t.Fatalf("firings %v apart, want at least the cooldown", got)
	}
}

func TestStartSuppressedWhileRecording(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 40 * time.Millisecond, Debounce: 20 * time.Millisecond, Cooldown: 100 * time.Millisecond})

	e.SetRecording(true)
	for i := 0; i < 4; i++ {
		e.Offer(startCond())
		time.Sleep(20 * time.Millisecond)
	}
	assertNoEvent(t, e, 100*time.Millisecond)

	e.Offer(stopCond())
	ev := waitEvent(t, e, time.Second)
	if ev.Kind != KindStop {
		t.Fatalf("fired %s, want stop", ev.Kind)
	}
	if e.Recording() {
		t.Fatal("still recording after stop fired")
	}
}

func TestStopSuppressedWhileIdle(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 40 * time.Millisecond, Debounce: 20 * time.Millisecond, Cooldown: 100 * time.Millisecond})

	for i := 0; i < 4; i++ {
		e.Offer(stopCond())
		time.Sleep(20 * time.Millisecond)
	}
	assertNoEvent(t, e, 100*time.Millisecond)
}

// The special gesture in the start zone wins over the plain start
// condition in the same frame.
func TestActionPreemptsStart(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 40 * time.Millisecond, Debounce: 20 * time.Millisecond, Cooldown: time.Second})

	c := startCond()
	c.Action = true
	e.Offer(c)

	ev := waitEvent(t, e, time.Second)
	if ev.Kind != KindAction {
		t.Fatalf("fired %s, want action", ev.Kind)
	}
	if e.Recording() {
		t.Fatal("action must not start a recording")
	}
	assertNoEvent(t, e, 150*time.Millisecond)
}

// Start, stop, then an immediate re-start: the re-start falls inside the
// start cooldown and is dropped, but the same gesture succeeds later.
func TestStartStopRestartSequence(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 40 * time.Millisecond, Debounce: 20 * time.Millisecond, Cooldown: 300 * time.Millisecond})

	e.Offer(startCond())
	if ev := waitEvent(t, e, time.Second); ev.Kind != KindStart {
		t.Fatalf("fired %s, want start", ev.Kind)
	}
	if !e.Recording() {
		t.Fatal("not recording after start fired")
	}

	e.Offer(stopCond())
	if ev := waitEvent(t, e, time.Second); ev.Kind != KindStop {
		t.Fatalf("fired %s, want stop", ev.Kind)
	}

	// Back into the start zone right away: inside start's cooldown.
	e.Offer(startCond())
	assertNoEvent(t, e, 150*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	e.Offer(startCond())
	ev := waitEvent(t, e, time.Second)
	if ev.Kind != KindStart || ev.Count != 2 {
		t.Fatalf("got %s count %d, want second start", ev.Kind, ev.Count)
	}
}

func TestSnapshotReflectsCountdown(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 400 * time.Millisecond, Debounce: 50 * time.Millisecond, Cooldown: time.Second})

	e.Offer(startCond())
	time.Sleep(50 * time.Millisecond)

	snap := e.Snapshot()
	if len(snap) != int(numKinds) {
		t.Fatalf("snapshot has %d states, want %d", len(snap), numKinds)
	}
	st := snap[KindStart]
	if !st.Active || !st.Locked {
		t.Fatalf("start state active=%v locked=%v, want both true mid-dwell", st.Active, st.Locked)
	}
	if snap[KindStop].Active {
		t.Fatal("stop state unexpectedly active")
	}
}

func TestProgressEmittedDuringDwell(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 300 * time.Millisecond, Debounce: 50 * time.Millisecond, Cooldown: time.Second})

	e.Offer(startCond())

	deadline := time.After(time.Second)
	for {
		select {
		case p := <-e.Progress():
			if p.Kind == KindStart && p.Progress > 0 && p.Locked {
				return
			}
		case <-deadline:
			t.Fatal("no progress update observed during dwell")
		}
	}
}

// Close cancels any in-flight countdown; nothing fires afterwards.
func TestCloseCancelsCountdown(t *testing.T) {
	e := NewEngine(Timing{Dwell: 50 * time.Millisecond, Debounce: 20 * time.Millisecond, Cooldown: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	e.Offer(startCond())
	e.Close()

	select {
	case ev := <-e.Events():
		t.Fatalf("event %s fired after Close", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}

	// Post-close API calls are no-ops, not panics.
	e.Offer(startCond())
	if e.Snapshot() != nil {
		t.Fatal("snapshot after Close should return nil")
	}
	e.Close()
}

func TestUpdateTiming(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 5 * time.Second, Debounce: 20 * time.Millisecond, Cooldown: time.Second})

	e.UpdateTiming(Timing{Dwell: 30 * time.Millisecond, Debounce: 20 * time.Millisecond, Cooldown: time.Second})
	e.Offer(startCond())
	ev := waitEvent(t, e, time.Second)
	if ev.Kind != KindStart {
		t.Fatalf("fired %s, want start", ev.Kind)
	}
}

// A lost subject raises the stop condition the same way a stop-zone hand
// does: while recording it ends the session, while idle it is ignored.
func TestSubjectLossStopsRecording(t *testing.T) {
	e := newTestEngine(t, Timing{Dwell: 40 * time.Millisecond, Debounce: 20 * time.Millisecond, Cooldown: 50 * time.Millisecond})

	bodyLost := router.Conditions{Stop: true, At: time.Now()}

	// Idle: nothing to stop.
	e.Offer(bodyLost)
	assertNoEvent(t, e, 100*time.Millisecond)

	e.Offer(startCond())
	if ev := waitEvent(t, e, time.Second); ev.Kind != KindStart {
		t.Fatalf("fired %s, want start", ev.Kind)
	}
	if !e.Recording() {
		t.Fatal("not recording after start fired")
	}

	e.Offer(bodyLost)
	if ev := waitEvent(t, e, time.Second); ev.Kind != KindStop {
		t.Fatalf("fired %s, want stop", ev.Kind)
	}
	if e.Recording() {
		t.Fatal("still recording after subject loss fired stop")
	}
}
