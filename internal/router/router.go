// Package router turns raw per-frame detection results into normalized
// trigger conditions: confidence filtering, coordinate correction and
// hand/pose role assignment.
package router

import (
	"sync"
	"time"

	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/protocol"
)

// Handedness labels as reported by the detector.
const (
	labelLeft  = "Left"
	labelRight = "Right"
)

// Conditions is the per-frame outcome: for each trigger kind, whether its
// condition holds right now. The trigger state machine turns these into
// discrete events.
type Conditions struct {
	// Start: the physical right hand is inside the start zone.
	Start bool
	// Stop: the physical left hand is inside the stop zone, or the
	// pose worker reports the recording subject gone.
	Stop bool
	// Action: a V-sign on the physical right hand inside the start zone.
	Action bool

	// BodyPresent: a full body is visible, independent of any zone.
	BodyPresent bool
	// BackFacing: the visible body is classified as facing away.
	BackFacing bool

	// Confidence of the observation that raised Start (or Action), for
	// event bookkeeping. Zero when neither holds.
	Confidence float64
	// X, Y is the corrected center of that observation.
	X, Y float64

	At time.Time
}

// Hand is one corrected observation: physical handedness, full-frame
// coordinates.
type Hand struct {
	PhysicalRight bool
	X, Y          float64
	Confidence    float64
	IsVGesture    bool
}

// Router applies confidence filtering and coordinate correction to
// detection results. Safe for concurrent use; configuration swaps are
// atomic snapshots.
type Router struct {
	mu       sync.RWMutex
	floor    float64
	mirror   bool
	startROI config.Rect
	stopROI  config.Rect
}

// New creates a Router from the given configuration snapshot.
func New(cfg config.Config) *Router {
	r := &Router{}
	r.SetConfig(cfg)
	return r
}

// SetConfig swaps in the relevant parts of a new configuration snapshot.
func (r *Router) SetConfig(cfg config.Config) {
	r.mu.Lock()
	r.floor = cfg.ConfidenceFloor
	r.mirror = cfg.Mirror
	r.startROI = cfg.StartROI
	r.stopROI = cfg.StopROI
	r.mu.Unlock()
}

// Route processes one detection result into trigger conditions. Bad
// observations are skipped, never fatal.
func (r *Router) Route(res *protocol.Result) Conditions {
	r.mu.RLock()
	floor, mirror := r.floor, r.mirror
	startROI, stopROI := r.startROI, r.stopROI
	r.mu.RUnlock()

	c := Conditions{At: resultTime(res)}

	for i := range res.Hands {
		hand := correctHand(&res.Hands[i], res.CropInfo, mirror)
		if hand.Confidence < floor {
			continue
		}

		if hand.PhysicalRight {
			if startROI.Contains(hand.X, hand.Y) {
				c.Start = true
				if hand.IsVGesture {
					c.Action = true
				}
				if hand.Confidence > c.Confidence {
					c.Confidence = hand.Confidence
					c.X, c.Y = hand.X, hand.Y
				}
			}
		} else {
			if stopROI.Contains(hand.X, hand.Y) {
				c.Stop = true
			}
		}
	}

	if res.Pose != nil {
		if res.Pose.Detected {
			if res.Pose.Confidence >= floor {
				c.BodyPresent = res.Pose.FullBodyVisible
			}
			if bv := res.Pose.BackView; bv != nil {
				c.BackFacing = bv.IsBackView
			}
		}
		// Body presence is the recording keepalive. The worker flags
		// should-stop when either body side loses visibility; an
		// undetected subject means the same thing. The trigger engine
		// ignores the stop condition while idle.
		if !res.Pose.Detected || res.Pose.ShouldStopRecording {
			c.Stop = true
		}
	}

	return c
}

// correctHand applies the coordinate corrections in order: crop remap back
// to full-frame space, then the configured horizontal mirror, then the
// handedness inversion. The inversion is unconditional: the detector labels
// hands for a mirrored front camera, so its "Left" is the physical right
// regardless of whether we mirror coordinates for display.
func correctHand(h *protocol.Hand, crop *protocol.CropInfo, mirror bool) Hand {
	x, y := h.Center.X, h.Center.Y

	if crop != nil {
		x = crop.OffsetX + x*crop.ScaleX
		y = crop.OffsetY + y*crop.ScaleY
	}
	if mirror {
		x = 1 - x
	}

	return Hand{
		PhysicalRight: h.Handedness == labelLeft,
		X:             x,
		Y:             y,
		Confidence:    h.Confidence,
		IsVGesture:    h.IsVGesture,
	}
}

// resultTime converts the worker's float seconds timestamp; a missing
// timestamp falls back to now.
func resultTime(res *protocol.Result) time.Time {
	if res.Timestamp <= 0 {
		return time.Now()
	}
	sec := int64(res.Timestamp)
	nsec := int64((res.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
