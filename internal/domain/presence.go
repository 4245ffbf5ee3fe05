package domain

// Appearance is one continuous interval during which a logo stays visible,
// derived by merging nearby per-frame detections.
type Appearance struct {
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	Duration       float64 `json:"duration"`
	StartFrame     int     `json:"start_frame"`
	EndFrame       int     `json:"end_frame"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// LogoPresence is the per-logo timeline view for one job. It is computed on
// demand from the job's detection results and never persisted.
type LogoPresence struct {
	LogoName         string       `json:"logo_name"`
	Appearances      []Appearance `json:"appearances"`
	TotalAppearances int          `json:"total_appearances"`
	TotalDuration    float64      `json:"total_duration"`
	MeanConfidence   float64      `json:"mean_confidence"`
}
