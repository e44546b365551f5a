package model

import (
	"time"
)

// CaptureSession describes one live capture run. It is created on Start and
// only mutated by the capture controller.
type CaptureSession struct {
	SessionID            string    `json:"sessionId"`
	Interface            string    `json:"interface"`
	WindowSeconds        int       `json:"windowSeconds"`
	TotalDurationSeconds *int      `json:"totalDurationSeconds,omitempty"`
	SessionDir           string    `json:"sessionDir"`
	PID                  int       `json:"pid"`
	Running              bool      `json:"running"`
	StartedAt            time.Time `json:"startedAt"`
	LastFile             string    `json:"lastFile,omitempty"`
}

// ReportID is the report bucket shared by every slice of the session.
func (s CaptureSession) ReportID() string {
	return ReportIDFor(s.SessionID)
}

// ReportIDFor derives the report bucket for a session identifier.
func ReportIDFor(sessionID string) string {
	return "report-" + sessionID
}

// SliceFile is a capture slice discovered in the session directory.
// AgeMs is nil when the age could not be determined.
type SliceFile struct {
	Path         string    `json:"path"`
	AgeMs        *int64    `json:"ageMs"`
	Processed    bool      `json:"processed"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// Eligible reports whether the slice is old enough to be consumed. A slice
// with an unknown age is treated as eligible.
func (f SliceFile) Eligible(stableAge time.Duration) bool {
	if f.AgeMs == nil {
		return true
	}
	return time.Duration(*f.AgeMs)*time.Millisecond > stableAge
}

// AnalysisReport is the set of per-flow CSV reports produced for a session.
type AnalysisReport struct {
	ReportID    string   `json:"reportId"`
	CSVFiles    []string `json:"csvFiles"`
	SourceSlice string   `json:"sourceSlice"`
}

// SliceState is a step of the per-slice processing state machine.
type SliceState string

const (
	SliceDiscovered         SliceState = "Discovered"
	SliceAnalyzing          SliceState = "Analyzing"
	SliceAnalysisComplete   SliceState = "AnalysisComplete"
	SlicePredictSubmitted   SliceState = "PredictSubmitted"
	SlicePredictionComplete SliceState = "PredictionComplete"
	SliceFailed             SliceState = "Failed"
)

// Terminal reports whether no further transition can follow.
func (s SliceState) Terminal() bool {
	return s == SlicePredictionComplete || s == SliceFailed
}

// SliceTransition records one state change of a slice.
type SliceTransition struct {
	SessionID    string     `json:"sessionId"`
	Slice        string     `json:"slice"`
	State        SliceState `json:"state"`
	CSVFile      string     `json:"csvFile,omitempty"`
	PredictionID string     `json:"predictionId,omitempty"`
	Packets      int        `json:"packets,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	At           time.Time  `json:"at"`
}
