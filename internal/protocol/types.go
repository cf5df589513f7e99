// Package protocol implements the length-prefixed binary channel spoken to
// the detection worker process and the wire types carried over it.
package protocol

// MessageType discriminates outbound messages to the worker.
type MessageType string

const (
	// MessageConfig carries a new detector configuration.
	MessageConfig MessageType = "config"
	// MessageProcessFrame carries a frame for detection; the raw image
	// bytes follow the header on the stream.
	MessageProcessFrame MessageType = "process_frame"
	// MessagePing is a health check; the worker answers with "pong".
	MessagePing MessageType = "ping"
)

// FormatBinary marks a header whose payload is raw image bytes streamed
// immediately after the header.
const FormatBinary = "binary"

// CropInfo describes the sub-region of the full frame that was sent to the
// worker, as a normalized offset/scale pair. The worker does not interpret
// it; it exists so detector-space coordinates can be mapped back to
// full-frame space.
type CropInfo struct {
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
	ScaleX  float64 `json:"scaleX"`
	ScaleY  float64 `json:"scaleY"`
}

// RectInfo is a normalized axis-aligned rectangle on the wire.
type RectInfo struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// ROIInfo carries the trigger zones alongside a frame, again purely for
// coordinate bookkeeping on the way back.
type ROIInfo struct {
	Start RectInfo `json:"start"`
	Stop  RectInfo `json:"stop"`
}

// WorkerConfig is the detector tuning snapshot sent on start and hot reload.
type WorkerConfig struct {
	MaxHands        int     `json:"max_num_hands"`
	MinConfidence   float64 `json:"min_detection_confidence"`
	MinTrackingConf float64 `json:"min_tracking_confidence"`
	ModelComplexity int     `json:"model_complexity"`
}

// Header is the structured record prefixed to every outbound message.
type Header struct {
	Type       MessageType   `json:"type"`
	Format     string        `json:"format,omitempty"`
	DataLength int           `json:"data_length,omitempty"`
	CropInfo   *CropInfo     `json:"crop_info,omitempty"`
	ROIInfo    *ROIInfo      `json:"roi_info,omitempty"`
	Config     *WorkerConfig `json:"config,omitempty"`
}

// Message is one complete framed unit read off the stream: the parsed header
// plus any payload bytes it announced.
type Message struct {
	Header  Header
	Payload []byte
}

// Point is a single landmark position in normalized coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PoseLandmark is a pose landmark with its visibility score.
type PoseLandmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Center is the center point of a detected hand.
type Center struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Hand is one hand observation as reported by the worker. Handedness is the
// detector's label, which is mirrored relative to the physical hand for a
// front-facing camera; the router corrects it.
type Hand struct {
	Handedness string   `json:"handedness"`
	Confidence float64  `json:"confidence"`
	BBox       RectInfo `json:"bbox"`
	Center     Center   `json:"center"`
	Landmarks  []Point  `json:"landmarks"`
	IsVGesture bool     `json:"is_v_gesture"`
}

// BackView is the worker's front-vs-back classification of a pose.
type BackView struct {
	IsBackView      bool    `json:"is_back_view"`
	Confidence      float64 `json:"confidence"`
	FrontVisibility float64 `json:"front_visibility"`
	BackVisibility  float64 `json:"back_visibility"`
	Reason          string  `json:"reason"`
}

// Pose is the worker's full-body observation for one frame.
type Pose struct {
	Detected            bool           `json:"detected"`
	FullBodyVisible     bool           `json:"full_body_visible"`
	ShouldStopRecording bool           `json:"should_stop_recording"`
	Confidence          float64        `json:"confidence"`
	BBox                *RectInfo      `json:"bbox"`
	Landmarks           []PoseLandmark `json:"landmarks"`
	BackView            *BackView      `json:"back_view"`
}

// Result is one newline-delimited record from the worker: either a per-frame
// detection, a per-frame failure, or a control acknowledgement.
type Result struct {
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
	Message   string  `json:"message,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Hands     []Hand  `json:"hands,omitempty"`
	Pose      *Pose   `json:"pose,omitempty"`

	// CropInfo is attached by the supervisor, not the worker, so the
	// router can remap coordinates back to full-frame space.
	CropInfo *CropInfo `json:"-"`
}

// IsControl reports whether the result is a control acknowledgement
// (pong, config updated) rather than a per-frame detection.
func (r *Result) IsControl() bool {
	return r.Message != "" && len(r.Hands) == 0 && r.Pose == nil
}
