package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ayusman/mudra/internal/protocol"
)

// fakeWorker speaks the worker protocol over in-memory pipes. When respond
// is true every process_frame gets a canned hand detection back; otherwise
// frames are swallowed, simulating a slow detector.
type fakeWorker struct {
	in      *io.PipeReader
	out     *io.PipeWriter
	respond bool
}

func (f *fakeWorker) run() {
	defer f.out.Close()

	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := f.in.Read(buf)
		if n > 0 {
			msgs, _ := dec.Feed(buf[:n])
			for _, msg := range msgs {
				switch msg.Header.Type {
				case protocol.MessagePing:
					fmt.Fprintln(f.out, `{"success":true,"message":"pong"}`)
				case protocol.MessageConfig:
					fmt.Fprintln(f.out, `{"success":true,"message":"config updated"}`)
				case protocol.MessageProcessFrame:
					if f.respond {
						fmt.Fprintln(f.out, `{"success":true,"hands":[{"handedness":"Left","confidence":0.9,"center":{"x":0.85,"y":0.4}}],"timestamp":1.0}`)
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// startPiped wires a supervisor to a fakeWorker without a real process.
func startPiped(t *testing.T, opts Options, respond bool) (*Supervisor, *fakeWorker) {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := New(opts)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	fw := &fakeWorker{in: inR, out: outW, respond: respond}
	go fw.run()

	s.stdin = inW
	s.begin(inW, outR)
	s.state.Store(int32(StateRunning))

	t.Cleanup(s.Stop)
	return s, fw
}

func waitEvent(t *testing.T, s *Supervisor, kind EventKind) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", kind)
		}
	}
}

func TestSubmitFrame_RejectedWhenNotRunning(t *testing.T) {
	s := New(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	if s.SubmitFrame([]byte("frame")) {
		t.Error("SubmitFrame accepted a frame while stopped")
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", s.InFlight())
	}
}

func TestSubmitFrame_RejectedWhenEmpty(t *testing.T) {
	s, _ := startPiped(t, Options{FrameInterval: time.Microsecond}, true)

	if s.SubmitFrame(nil) {
		t.Error("SubmitFrame accepted an empty buffer")
	}
}

func TestSubmitFrame_InFlightCap(t *testing.T) {
	s, _ := startPiped(t, Options{
		FrameInterval:    time.Microsecond,
		MaxInFlight:      2,
		BacklogThreshold: 2,
	}, false) // worker never answers

	for i := 0; i < 2; i++ {
		time.Sleep(2 * time.Millisecond)
		if !s.SubmitFrame([]byte("frame")) {
			t.Fatalf("frame %d rejected unexpectedly", i)
		}
	}

	time.Sleep(2 * time.Millisecond)
	if s.SubmitFrame([]byte("frame")) {
		t.Error("frame accepted past the in-flight cap")
	}
	if s.InFlight() != 2 {
		t.Errorf("InFlight() = %d, want 2", s.InFlight())
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
}

func TestSubmitFrame_RateLimited(t *testing.T) {
	s, _ := startPiped(t, Options{FrameInterval: 200 * time.Millisecond}, true)

	if !s.SubmitFrame([]byte("frame")) {
		t.Fatal("first frame rejected")
	}
	if s.SubmitFrame([]byte("frame")) {
		t.Error("second frame accepted inside the minimum interval")
	}
}

func TestInFlight_SettledByResult(t *testing.T) {
	s, _ := startPiped(t, Options{FrameInterval: time.Microsecond, MaxInFlight: 3}, true)

	if !s.SubmitFrame([]byte("frame")) {
		t.Fatal("frame rejected")
	}

	ev := waitEvent(t, s, EventDetection)
	if len(ev.Result.Hands) != 1 {
		t.Errorf("result hands = %d, want 1", len(ev.Result.Hands))
	}

	// The result settles the frame.
	deadline := time.After(time.Second)
	for s.InFlight() != 0 {
		select {
		case <-deadline:
			t.Fatalf("InFlight() = %d, want 0", s.InFlight())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestInFlight_NeverNegative(t *testing.T) {
	s, fw := startPiped(t, Options{FrameInterval: time.Microsecond}, false)

	// An unsolicited result must floor the counter at zero.
	fmt.Fprintln(fw.out, `{"success":true,"hands":[],"timestamp":1.0}`)
	waitEvent(t, s, EventDetection)

	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d, want 0", got)
	}
}

func TestThrottle_HalvesRateUnderBacklog(t *testing.T) {
	s, _ := startPiped(t, Options{
		FrameInterval:    time.Millisecond,
		MaxInFlight:      4,
		BacklogThreshold: 1,
	}, false)

	time.Sleep(3 * time.Millisecond)
	s.SubmitFrame([]byte("frame"))
	time.Sleep(3 * time.Millisecond)
	s.SubmitFrame([]byte("frame"))

	if !s.throttled.Load() {
		t.Error("supervisor not throttled with in-flight above threshold")
	}
	if got, want := s.limiter.Limit(), s.baseLimit.Load()/2; got != want {
		t.Errorf("limit = %v, want halved %v", got, want)
	}
}

// SetFrameInterval runs on the config goroutine while throttle flips happen
// on the submit and result paths; the base limit must be safe to read and
// replace concurrently.
func TestSetFrameInterval_ConcurrentWithThrottle(t *testing.T) {
	s := New(Options{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		FrameInterval:    time.Millisecond,
		MaxInFlight:      4,
		BacklogThreshold: 1,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.inFlight.Store(int64(i % 4))
			s.updateThrottle()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.SetFrameInterval(time.Duration(i%9+1) * time.Millisecond)
		}
	}()
	wg.Wait()

	if got := s.baseLimit.Load(); got <= 0 {
		t.Errorf("base limit = %v after concurrent updates, want positive", got)
	}
	if got := s.limiter.Limit(); got <= 0 {
		t.Errorf("limiter limit = %v after concurrent updates, want positive", got)
	}
}

func TestDetectionErrorEvent(t *testing.T) {
	s, fw := startPiped(t, Options{FrameInterval: time.Microsecond}, false)

	fmt.Fprintln(fw.out, `{"success":false,"error":"Failed to decode image","timestamp":2.0}`)

	ev := waitEvent(t, s, EventDetectionError)
	if ev.Err == nil || ev.Err.Error() != "Failed to decode image" {
		t.Errorf("Err = %v", ev.Err)
	}
	// A per-frame failure is non-fatal.
	if s.State() != StateRunning {
		t.Errorf("State() = %s, want running", s.State())
	}
}

func TestProtocolErrorKeepsChannelOpen(t *testing.T) {
	s, fw := startPiped(t, Options{FrameInterval: time.Microsecond}, false)

	fmt.Fprintln(fw.out, `this is not json`)
	ev := waitEvent(t, s, EventProtocolError)
	if !errors.Is(ev.Err, protocol.ErrProtocol) {
		t.Errorf("Err = %v, want ErrProtocol", ev.Err)
	}

	// Valid data after the corrupt line still flows.
	fmt.Fprintln(fw.out, `{"success":true,"hands":[],"timestamp":3.0}`)
	waitEvent(t, s, EventDetection)
}

func TestStop_ClearsInFlight(t *testing.T) {
	s, _ := startPiped(t, Options{FrameInterval: time.Microsecond, MaxInFlight: 3}, false)

	time.Sleep(2 * time.Millisecond)
	s.SubmitFrame([]byte("frame"))

	s.Stop()

	if s.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", s.State())
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight() = %d after Stop, want 0", s.InFlight())
	}
	if s.SubmitFrame([]byte("frame")) {
		t.Error("SubmitFrame accepted a frame after Stop")
	}
}

func TestStart_MissingScript(t *testing.T) {
	s := New(Options{
		ScriptPath: filepath.Join(t.TempDir(), "nope.py"),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	err := s.Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("Start() error = %v, want StartupError", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %s after failed start, want stopped", s.State())
	}
}

// TestStartStop_RealProcess runs a minimal Python worker end to end.
func TestStartStop_RealProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test")
	}
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}

	script := filepath.Join(t.TempDir(), "worker.py")
	src := `import sys, json
while True:
    raw = sys.stdin.buffer.read(4)
    if len(raw) < 4:
        break
    n = int.from_bytes(raw, 'little')
    header = json.loads(sys.stdin.buffer.read(n).decode('utf-8'))
    if header.get('type') == 'ping':
        print(json.dumps({"success": True, "message": "pong"}), flush=True)
    elif header.get('type') == 'config':
        print(json.dumps({"success": True, "message": "config updated"}), flush=True)
    elif header.get('type') == 'process_frame':
        sys.stdin.buffer.read(header.get('data_length', 0))
        print(json.dumps({"success": True, "hands": [], "timestamp": 1.0}), flush=True)
`
	if err := os.WriteFile(script, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	s := New(Options{
		PythonPath:    python,
		ScriptPath:    script,
		FrameInterval: time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("State() = %s, want running", s.State())
	}

	if !s.SubmitFrame([]byte{0xff, 0xd8}) {
		t.Fatal("frame rejected by running worker")
	}
	waitEvent(t, s, EventDetection)

	s.Stop()
	if s.State() != StateStopped {
		t.Errorf("State() = %s after Stop, want stopped", s.State())
	}
	waitEvent(t, s, EventStopped)
}
