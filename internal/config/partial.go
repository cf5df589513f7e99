package config

// DetectorPartial is a partial update to the detector tuning block.
type DetectorPartial struct {
	MaxHands        *int     `yaml:"max_hands" json:"maxHands,omitempty"`
	MinConfidence   *float64 `yaml:"min_confidence" json:"minConfidence,omitempty"`
	MinTrackingConf *float64 `yaml:"min_tracking_confidence" json:"minTrackingConfidence,omitempty"`
	ModelComplexity *int     `yaml:"model_complexity" json:"modelComplexity,omitempty"`
}

// Partial is a sparse configuration update. Nil fields are left untouched.
// Applying a Partial never mutates the current Config; it produces a new
// validated snapshot or fails, leaving the old one in force.
type Partial struct {
	Mirror           *bool            `yaml:"mirror" json:"mirror,omitempty"`
	StartROI         *Rect            `yaml:"start_roi" json:"startROI,omitempty"`
	StopROI          *Rect            `yaml:"stop_roi" json:"stopROI,omitempty"`
	Crop             *Rect            `yaml:"crop" json:"crop,omitempty"`
	ConfidenceFloor  *float64         `yaml:"confidence_floor" json:"confidenceFloor,omitempty"`
	DwellMs          *int             `yaml:"dwell_ms" json:"dwellMs,omitempty"`
	DebounceMs       *int             `yaml:"debounce_ms" json:"debounceMs,omitempty"`
	CooldownMs       *int             `yaml:"cooldown_ms" json:"cooldownMs,omitempty"`
	FrameIntervalMs  *int             `yaml:"frame_interval_ms" json:"frameIntervalMs,omitempty"`
	MaxInFlight      *int             `yaml:"max_in_flight" json:"maxInFlight,omitempty"`
	BacklogThreshold *int             `yaml:"backlog_threshold" json:"backlogThreshold,omitempty"`
	Detector         *DetectorPartial `yaml:"detector" json:"detector,omitempty"`
}

// Merge produces a new Config with the partial's non-nil fields applied on
// top of c. The result is validated; on failure c is returned unchanged
// alongside the error.
func (c Config) Merge(p Partial) (Config, error) {
	next := c

	if p.Mirror != nil {
		next.Mirror = *p.Mirror
	}
	if p.StartROI != nil {
		next.StartROI = *p.StartROI
	}
	if p.StopROI != nil {
		next.StopROI = *p.StopROI
	}
	if p.Crop != nil {
		crop := *p.Crop
		next.Crop = &crop
	}
	if p.ConfidenceFloor != nil {
		next.ConfidenceFloor = *p.ConfidenceFloor
	}
	if p.DwellMs != nil {
		next.DwellMs = *p.DwellMs
	}
	if p.DebounceMs != nil {
		next.DebounceMs = *p.DebounceMs
	}
	if p.CooldownMs != nil {
		next.CooldownMs = *p.CooldownMs
	}
	if p.FrameIntervalMs != nil {
		next.FrameIntervalMs = *p.FrameIntervalMs
	}
	if p.MaxInFlight != nil {
		next.MaxInFlight = *p.MaxInFlight
	}
	if p.BacklogThreshold != nil {
		next.BacklogThreshold = *p.BacklogThreshold
	}
	if p.Detector != nil {
		if p.Detector.MaxHands != nil {
			next.Detector.MaxHands = *p.Detector.MaxHands
		}
		if p.Detector.MinConfidence != nil {
			next.Detector.MinConfidence = *p.Detector.MinConfidence
		}
		if p.Detector.MinTrackingConf != nil {
			next.Detector.MinTrackingConf = *p.Detector.MinTrackingConf
		}
		if p.Detector.ModelComplexity != nil {
			next.Detector.ModelComplexity = *p.Detector.ModelComplexity
		}
	}

	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}
