// Package app wires the capture, detection, routing, trigger, persistence
// and UI layers into one running pipeline.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/protocol"
	"github.com/ayusman/mudra/internal/router"
	"github.com/ayusman/mudra/internal/server"
	"github.com/ayusman/mudra/internal/store"
	"github.com/ayusman/mudra/internal/trigger"
	"github.com/ayusman/mudra/internal/worker"
)

const (
	// restartDelay spaces worker restarts after an unexpected exit.
	restartDelay = 2 * time.Second
	// protocolErrorLimit is the number of consecutive protocol errors
	// after which the worker is restarted.
	protocolErrorLimit = 5
)

// Controller signals the capture device when recording state changes.
// camctrl.Client implements it.
type Controller interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Live(ctx context.Context) error
}

// Options holds the pipeline dependencies. Store, Hub, Control and Camera
// are optional; a nil Camera selects the configured capture device.
type Options struct {
	Config  *config.Store
	Store   *store.Store
	Camera  capture.Camera
	Hub     *server.Hub
	Control Controller
	Logger  *slog.Logger
}

// App owns the detection pipeline: camera frames in, trigger side effects
// out.
type App struct {
	log     *slog.Logger
	cfg     *config.Store
	db      *store.Store
	camera  capture.Camera
	gate    *capture.ActivityGate
	hub     *server.Hub
	control Controller

	sup *worker.Supervisor
	rt  *router.Router
	eng *trigger.Engine

	enabled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the pipeline from the current configuration snapshot.
func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config.Current()

	camera := opts.Camera
	if camera == nil {
		camera = capture.NewCamera(cfg.CameraID)
	}

	a := &App{
		log:     logger.With("component", "app"),
		cfg:     opts.Config,
		db:      opts.Store,
		camera:  camera,
		gate:    capture.NewActivityGate(0, 0),
		hub:     opts.Hub,
		control: opts.Control,
		rt:      router.New(cfg),
		eng:     trigger.NewEngine(trigger.TimingFromConfig(cfg), logger),
		sup: worker.New(worker.Options{
			PythonPath:       cfg.PythonPath,
			ScriptPath:       cfg.WorkerScript,
			Detector:         workerConfig(cfg.Detector),
			FrameInterval:    time.Duration(cfg.FrameIntervalMs) * time.Millisecond,
			MaxInFlight:      cfg.MaxInFlight,
			BacklogThreshold: cfg.BacklogThreshold,
			Logger:           logger,
		}),
	}
	a.enabled.Store(true)
	return a
}

// Start opens the camera, starts the detection worker and launches the
// pipeline goroutines.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return nil
	}

	if err := a.camera.Open(); err != nil {
		return err
	}

	crop, roi := regionsFromConfig(a.cfg.Current())
	a.sup.SetRegions(crop, roi)
	if err := a.sup.Start(ctx); err != nil {
		a.camera.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(4)
	go a.captureLoop(runCtx)
	go a.eventLoop(runCtx)
	go a.triggerLoop(runCtx)
	go a.configLoop(runCtx)

	a.log.Info("pipeline started")
	return nil
}

// Stop tears the pipeline down. It is safe to call more than once.
func (a *App) Stop() {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return
	}
	a.cancel()
	a.cancel = nil
	a.mu.Unlock()

	a.sup.Stop()
	a.wg.Wait()
	a.eng.Close()
	a.gate.Close()
	if err := a.camera.Close(); err != nil {
		a.log.Warn("error closing camera", "error", err)
	}
	a.log.Info("pipeline stopped")
}

// SetEnabled toggles detection without tearing the pipeline down.
func (a *App) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
	a.log.Info("detection toggled", "enabled", enabled)
}

// IsEnabled reports whether detection is active.
func (a *App) IsEnabled() bool {
	return a.enabled.Load()
}

// Recording reports whether a recording session is in progress.
func (a *App) Recording() bool {
	return a.eng.Recording()
}

// Status summarizes the pipeline for the health endpoint.
func (a *App) Status() server.Status {
	state := a.sup.State()
	return server.Status{
		WorkerState: state.String(),
		Detecting:   a.enabled.Load() && state == worker.StateRunning,
		Recording:   a.eng.Recording(),
	}
}

// TriggerCounts returns how often each trigger has fired.
func (a *App) TriggerCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	for _, st := range a.eng.Snapshot() {
		counts[st.Kind.String()] = st.Count
	}
	return counts
}

// captureLoop reads camera frames at the configured interval and submits
// the ones the activity gate admits.
func (a *App) captureLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.frameInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if next := a.frameInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}

		if !a.enabled.Load() || a.sup.State() != worker.StateRunning {
			continue
		}

		frame, err := a.camera.ReadFrame()
		if err != nil {
			a.log.Debug("frame read failed", "error", err)
			continue
		}

		admitted, _ := a.gate.Admit(frame)
		if admitted {
			if buf, err := capture.EncodeJPEG(frame); err == nil {
				a.sup.SubmitFrame(buf)
			} else {
				a.log.Warn("frame encode failed", "error", err)
			}
		}
		frame.Close()
	}
}

// eventLoop turns worker events into trigger conditions and applies the
// restart policy.
func (a *App) eventLoop(ctx context.Context) {
	defer a.wg.Done()

	protoErrs := 0
	var lastPresence *server.PresenceMsg
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.sup.Events():
			switch ev.Kind {
			case worker.EventDetection:
				protoErrs = 0
				c := a.rt.Route(ev.Result)
				a.eng.Offer(c)
				if ev.Result.Pose != nil {
					lastPresence = a.broadcastPresence(lastPresence, c)
				}

			case worker.EventDetectionError:
				a.log.Warn("detection error", "error", ev.Err)

			case worker.EventProtocolError:
				protoErrs++
				a.log.Warn("protocol error", "error", ev.Err, "consecutive", protoErrs)
				if protoErrs >= protocolErrorLimit {
					protoErrs = 0
					a.restartWorker(ctx, "repeated protocol errors")
				}

			case worker.EventStopped:
				if ctx.Err() != nil {
					return
				}
				a.log.Warn("worker exited unexpectedly", "exit_code", ev.ExitCode)
				select {
				case <-ctx.Done():
					return
				case <-time.After(restartDelay):
				}
				if err := a.sup.Start(ctx); err != nil {
					a.log.Error("worker restart failed", "error", err)
				}
			}
		}
	}
}

func (a *App) restartWorker(ctx context.Context, reason string) {
	a.log.Warn("restarting worker", "reason", reason)
	a.sup.Stop()
	crop, roi := regionsFromConfig(a.cfg.Current())
	a.sup.SetRegions(crop, roi)
	if err := a.sup.Start(ctx); err != nil {
		a.log.Error("worker restart failed", "error", err)
	}
}

// triggerLoop applies trigger side effects: capture control, persistence
// and UI broadcast.
func (a *App) triggerLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.eng.Events():
			a.handleTrigger(ctx, ev)
		case p := <-a.eng.Progress():
			if a.hub != nil {
				a.hub.Broadcast(server.ProgressMsg{
					Type:     "progress",
					Kind:     p.Kind.String(),
					Progress: p.Progress,
					Locked:   p.Locked,
				})
			}
		}
	}
}

func (a *App) handleTrigger(ctx context.Context, ev trigger.Event) {
	a.log.Info("trigger fired", "kind", ev.Kind.String(), "count", ev.Count)

	switch ev.Kind {
	case trigger.KindStart:
		if a.control != nil {
			if err := a.control.StartRecording(ctx); err != nil {
				a.log.Error("failed to start recording", "error", err)
			}
		}
		a.broadcastRecording(true)

	case trigger.KindStop:
		if a.control != nil {
			if err := a.control.StopRecording(ctx); err != nil {
				a.log.Error("failed to stop recording", "error", err)
			}
			// Hand the device back to the live preview.
			if err := a.control.Live(ctx); err != nil {
				a.log.Warn("failed to resume live preview", "error", err)
			}
		}
		a.broadcastRecording(false)
	}

	if a.db != nil {
		rec := &store.TriggerEvent{
			ID:         ev.ID,
			Kind:       store.EventKind(ev.Kind.String()),
			FiredAt:    ev.FiredAt,
			Confidence: ev.Confidence,
			X:          ev.X,
			Y:          ev.Y,
		}
		if err := a.db.Events().Insert(rec); err != nil {
			a.log.Error("failed to persist trigger event", "error", err)
		}
	}

	if a.hub != nil {
		a.hub.Broadcast(server.TriggerMsg{
			Type:       "trigger",
			Kind:       ev.Kind.String(),
			FiredAt:    ev.FiredAt,
			Count:      ev.Count,
			Confidence: ev.Confidence,
		})
	}
}

func (a *App) broadcastRecording(recording bool) {
	if a.hub != nil {
		a.hub.Broadcast(server.RecordingMsg{Type: "recording", Recording: recording})
	}
}

// broadcastPresence pushes subject visibility to the UI when it changes.
func (a *App) broadcastPresence(last *server.PresenceMsg, c router.Conditions) *server.PresenceMsg {
	cur := &server.PresenceMsg{
		Type:        "presence",
		BodyPresent: c.BodyPresent,
		BackFacing:  c.BackFacing,
	}
	if last != nil && *last == *cur {
		return last
	}
	if a.hub != nil {
		a.hub.Broadcast(*cur)
	}
	return cur
}

// configLoop propagates configuration changes to the live pipeline.
func (a *App) configLoop(ctx context.Context) {
	defer a.wg.Done()

	ch, cancel := a.cfg.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg config.Config) {
	a.rt.SetConfig(cfg)
	a.eng.UpdateTiming(trigger.TimingFromConfig(cfg))

	crop, roi := regionsFromConfig(cfg)
	a.sup.SetRegions(crop, roi)
	a.sup.SetFrameInterval(time.Duration(cfg.FrameIntervalMs) * time.Millisecond)
	if err := a.sup.UpdateConfig(workerConfig(cfg.Detector)); err != nil && !errors.Is(err, worker.ErrNotRunning) {
		a.log.Warn("failed to push detector config", "error", err)
	}

	a.log.Info("configuration applied")
}

// workerConfig converts the detector tuning block to its wire form.
func workerConfig(d config.Detector) protocol.WorkerConfig {
	return protocol.WorkerConfig{
		MaxHands:        d.MaxHands,
		MinConfidence:   d.MinConfidence,
		MinTrackingConf: d.MinTrackingConf,
		ModelComplexity: d.ModelComplexity,
	}
}

// regionsFromConfig converts the configured crop and trigger zones to
// their wire form.
func regionsFromConfig(cfg config.Config) (*protocol.CropInfo, *protocol.ROIInfo) {
	var crop *protocol.CropInfo
	if cfg.Crop != nil {
		crop = &protocol.CropInfo{
			OffsetX: cfg.Crop.X1,
			OffsetY: cfg.Crop.Y1,
			ScaleX:  cfg.Crop.X2 - cfg.Crop.X1,
			ScaleY:  cfg.Crop.Y2 - cfg.Crop.Y1,
		}
	}
	roi := &protocol.ROIInfo{
		Start: rectInfo(cfg.StartROI),
		Stop:  rectInfo(cfg.StopROI),
	}
	return crop, roi
}

func rectInfo(r config.Rect) protocol.RectInfo {
	return protocol.RectInfo{X1: r.X1, Y1: r.Y1, X2: r.X2, Y2: r.Y2}
}

func (a *App) frameInterval() time.Duration {
	ms := a.cfg.Current().FrameIntervalMs
	if ms <= 0 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}
