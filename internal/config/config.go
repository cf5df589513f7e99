// Package config holds the configuration for the mudra detection pipeline:
// trigger zone geometry, thresholds, timing constants and detector tuning.
// Config values are immutable snapshots; changes go through the Store.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrValidation is the base error for malformed or out-of-range
// configuration. A value failing validation is never applied.
var ErrValidation = errors.New("invalid configuration")

// Rect is an axis-aligned rectangle in normalized [0,1]x[0,1] space.
type Rect struct {
	X1 float64 `yaml:"x1" json:"x1"`
	Y1 float64 `yaml:"y1" json:"y1"`
	X2 float64 `yaml:"x2" json:"x2"`
	Y2 float64 `yaml:"y2" json:"y2"`
}

// Contains reports whether the point lies inside the rectangle.
// Boundary points are inside.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X1 && x <= r.X2 && y >= r.Y1 && y <= r.Y2
}

// Validate checks the rectangle invariants: x1<x2, y1<y2, all bounds in [0,1].
func (r Rect) Validate() error {
	for _, v := range []float64{r.X1, r.Y1, r.X2, r.Y2} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: rect bound %v outside [0,1]", ErrValidation, v)
		}
	}
	if r.X1 >= r.X2 {
		return fmt.Errorf("%w: rect x1 %v must be less than x2 %v", ErrValidation, r.X1, r.X2)
	}
	if r.Y1 >= r.Y2 {
		return fmt.Errorf("%w: rect y1 %v must be less than y2 %v", ErrValidation, r.Y1, r.Y2)
	}
	return nil
}

// Detector holds the tuning parameters forwarded to the detection worker.
type Detector struct {
	MaxHands        int     `yaml:"max_hands" json:"maxHands"`
	MinConfidence   float64 `yaml:"min_confidence" json:"minConfidence"`
	MinTrackingConf float64 `yaml:"min_tracking_confidence" json:"minTrackingConfidence"`
	ModelComplexity int     `yaml:"model_complexity" json:"modelComplexity"`
}

// Config is one immutable configuration snapshot.
type Config struct {
	CameraID int  `yaml:"camera_id" json:"cameraID"`
	Mirror   bool `yaml:"mirror" json:"mirror"`

	StartROI Rect `yaml:"start_roi" json:"startROI"`
	StopROI  Rect `yaml:"stop_roi" json:"stopROI"`

	// Crop is the optional sub-region of the frame sent to the worker.
	// Zero value means the full frame.
	Crop *Rect `yaml:"crop,omitempty" json:"crop,omitempty"`

	ConfidenceFloor float64 `yaml:"confidence_floor" json:"confidenceFloor"`

	DwellMs    int `yaml:"dwell_ms" json:"dwellMs"`
	DebounceMs int `yaml:"debounce_ms" json:"debounceMs"`
	CooldownMs int `yaml:"cooldown_ms" json:"cooldownMs"`

	FrameIntervalMs  int `yaml:"frame_interval_ms" json:"frameIntervalMs"`
	MaxInFlight      int `yaml:"max_in_flight" json:"maxInFlight"`
	BacklogThreshold int `yaml:"backlog_threshold" json:"backlogThreshold"`

	Detector Detector `yaml:"detector" json:"detector"`

	ControlSocket string `yaml:"control_socket" json:"controlSocket"`
	WorkerScript  string `yaml:"worker_script" json:"workerScript"`
	PythonPath    string `yaml:"python_path" json:"pythonPath"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		CameraID:         0,
		Mirror:           true,
		StartROI:         Rect{X1: 0.7, Y1: 0.2, X2: 0.95, Y2: 0.6},
		StopROI:          Rect{X1: 0.05, Y1: 0.2, X2: 0.3, Y2: 0.6},
		ConfidenceFloor:  0.6,
		DwellMs:          1000,
		DebounceMs:       300,
		CooldownMs:       1000,
		FrameIntervalMs:  100,
		MaxInFlight:      3,
		BacklogThreshold: 2,
		Detector: Detector{
			MaxHands:        2,
			MinConfidence:   0.5,
			MinTrackingConf: 0.5,
			ModelComplexity: 1,
		},
	}
}

// Validate checks every invariant. The zero Config is not valid; start from
// Default and override.
func (c Config) Validate() error {
	if err := c.StartROI.Validate(); err != nil {
		return fmt.Errorf("start_roi: %w", err)
	}
	if err := c.StopROI.Validate(); err != nil {
		return fmt.Errorf("stop_roi: %w", err)
	}
	if c.Crop != nil {
		if err := c.Crop.Validate(); err != nil {
			return fmt.Errorf("crop: %w", err)
		}
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("%w: confidence_floor %v outside [0,1]", ErrValidation, c.ConfidenceFloor)
	}
	if c.DwellMs <= 0 {
		return fmt.Errorf("%w: dwell_ms must be positive", ErrValidation)
	}
	if c.DebounceMs < 0 {
		return fmt.Errorf("%w: debounce_ms must not be negative", ErrValidation)
	}
	if c.CooldownMs < 0 {
		return fmt.Errorf("%w: cooldown_ms must not be negative", ErrValidation)
	}
	if c.FrameIntervalMs <= 0 {
		return fmt.Errorf("%w: frame_interval_ms must be positive", ErrValidation)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("%w: max_in_flight must be positive", ErrValidation)
	}
	if c.BacklogThreshold <= 0 || c.BacklogThreshold > c.MaxInFlight {
		return fmt.Errorf("%w: backlog_threshold must be in [1, max_in_flight]", ErrValidation)
	}
	if c.Detector.MaxHands <= 0 {
		return fmt.Errorf("%w: detector.max_hands must be positive", ErrValidation)
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("%w: detector.min_confidence outside [0,1]", ErrValidation)
	}
	if c.Detector.MinTrackingConf < 0 || c.Detector.MinTrackingConf > 1 {
		return fmt.Errorf("%w: detector.min_tracking_confidence outside [0,1]", ErrValidation)
	}
	if c.Detector.ModelComplexity < 0 || c.Detector.ModelComplexity > 2 {
		return fmt.Errorf("%w: detector.model_complexity must be 0, 1 or 2", ErrValidation)
	}
	return nil
}

// Load reads and validates a YAML configuration file. Fields absent from the
// file keep their Default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
