package capture

import (
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Gate tuning constants
const (
	// gateBlurSize is the kernel size for Gaussian blur (21x21)
	gateBlurSize = 21
	// gateDiffThreshold is the binary threshold for difference detection
	gateDiffThreshold = 25

	// DefaultChangeThreshold is the percentage of pixels that must change
	// for a frame to count as activity.
	DefaultChangeThreshold = 1.0
	// DefaultHold keeps the gate open after the last activity, so a hand
	// held still inside a zone keeps reaching the detector for the whole
	// dwell window.
	DefaultHold = 3 * time.Second
)

// ActivityGate decides whether a frame is worth submitting to the detection
// worker. It uses frame differencing with Gaussian blur for noise reduction
// and stays open for a hold period after the last observed activity.
type ActivityGate struct {
	mu          sync.Mutex
	threshold   float64
	hold        time.Duration
	prevGray    gocv.Mat
	initialized bool
	lastActive  time.Time
	now         func() time.Time
}

// NewActivityGate creates an ActivityGate. threshold is the percentage of
// changed pixels that counts as activity (<= 0 selects the default); hold
// is how long the gate stays open after activity (<= 0 selects the default).
func NewActivityGate(threshold float64, hold time.Duration) *ActivityGate {
	if threshold <= 0 {
		threshold = DefaultChangeThreshold
	}
	if hold <= 0 {
		hold = DefaultHold
	}
	return &ActivityGate{
		threshold: threshold,
		hold:      hold,
		prevGray:  gocv.NewMat(),
		now:       time.Now,
	}
}

// Admit reports whether the frame should be submitted, along with the
// percentage of pixels that changed since the previous frame.
//
// The first frame seeds the baseline and is admitted, so detection starts
// without waiting for movement. A changed frame reopens the hold window; an
// unchanged frame is still admitted while the window is open.
func (g *ActivityGate) Admit(frame *gocv.Mat) (bool, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if frame == nil || frame.Empty() {
		return false, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: gateBlurSize, Y: gateBlurSize}, 0, 0, gocv.BorderDefault)

	if !g.initialized {
		blurred.CopyTo(&g.prevGray)
		g.initialized = true
		g.lastActive = g.now()
		return true, 0
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, g.prevGray, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, gateDiffThreshold, 255, gocv.ThresholdBinary)

	nonZero := gocv.CountNonZero(thresh)
	totalPixels := thresh.Rows() * thresh.Cols()
	changePercent := float64(nonZero) / float64(totalPixels) * 100.0

	blurred.CopyTo(&g.prevGray)

	if changePercent > g.threshold {
		g.lastActive = g.now()
		return true, changePercent
	}
	return g.now().Sub(g.lastActive) < g.hold, changePercent
}

// SetThreshold sets the activity threshold.
// Values less than or equal to 0 are ignored.
func (g *ActivityGate) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threshold = threshold
}

// Reset clears the gate state so the next frame seeds a fresh baseline.
func (g *ActivityGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reset()
}

// Close releases resources used by the gate.
func (g *ActivityGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reset()
}

func (g *ActivityGate) reset() {
	if !g.prevGray.Empty() {
		g.prevGray.Close()
		g.prevGray = gocv.NewMat()
	}
	g.initialized = false
	g.lastActive = time.Time{}
}
