// Package tray provides the system tray interface: detection toggle,
// recording indicator and trigger counters.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle   func(enabled bool)
	onSettings func()
	onQuit     func()
	enabled    bool
	recording  bool
	mu         sync.RWMutex

	// Menu items stored for later updates
	menuToggle    *systray.MenuItem
	menuRecording *systray.MenuItem
	menuCounters  *systray.MenuItem
}

// New creates a new Tray instance with detection enabled by default.
func New() *Tray {
	return &Tray{
		enabled: true,
	}
}

// OnToggle sets the callback for detection enable/disable.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnSettings sets the callback for the settings menu item.
func (t *Tray) OnSettings(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSettings = fn
}

// OnQuit sets the callback for the quit menu item.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit shuts the tray down from the outside, e.g. on SIGTERM.
func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	systray.SetTitle("Mudra")
	systray.SetTooltip("Mudra gesture triggers")

	t.menuToggle = systray.AddMenuItem("● Detection on", "Toggle gesture detection")
	systray.AddSeparator()

	t.menuRecording = systray.AddMenuItem("Not recording", "Recording state")
	t.menuRecording.Disable()

	t.menuCounters = systray.AddMenuItem("Triggers: 0 start / 0 stop / 0 action", "Fired trigger counts")
	t.menuCounters.Disable()
	systray.AddSeparator()

	menuSettings := systray.AddMenuItem("Open Settings...", "Open settings in browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Mudra")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuSettings.ClickedCh:
				t.handleSettings()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {
	// Cleanup resources if needed
}

func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled

	if enabled {
		t.menuToggle.SetTitle("● Detection on")
	} else {
		t.menuToggle.SetTitle("○ Detection off")
	}

	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
}

func (t *Tray) handleSettings() {
	t.mu.RLock()
	callback := t.onSettings
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetRecording updates the recording indicator.
func (t *Tray) SetRecording(recording bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recording = recording
	if t.menuRecording == nil {
		return
	}
	if recording {
		t.menuRecording.SetTitle("🔴 Recording")
	} else {
		t.menuRecording.SetTitle("Not recording")
	}
}

// SetCounters updates the fired trigger counts display.
func (t *Tray) SetCounters(counts map[string]uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuCounters != nil {
		t.menuCounters.SetTitle(fmt.Sprintf("Triggers: %d start / %d stop / %d action",
			counts["start"], counts["stop"], counts["action"]))
	}
}

// IsEnabled returns the current detection toggle state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// IsRecording returns the current recording indicator state.
func (t *Tray) IsRecording() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recording
}
