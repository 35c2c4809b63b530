package models

import "time"

// LogEntry is a single line of build output.
type LogEntry struct {
	ID        string    `json:"id"`
	BuildID   string    `json:"build_id"`
	Phase     PhaseType `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// BuildStateChange is published whenever a build changes phase or completes.
type BuildStateChange struct {
	BuildID              string      `json:"build_id"`
	ProjectName          string      `json:"project_name"`
	BuildNumber          int64       `json:"build_number"`
	BuildStatus          BuildStatus `json:"build_status"`
	CurrentPhase         PhaseType   `json:"current_phase"`
	CompletedPhase       PhaseType   `json:"completed_phase,omitempty"`
	CompletedPhaseStatus BuildStatus `json:"completed_phase_status,omitempty"`
	BuildComplete        bool        `json:"build_complete"`
	Time                 time.Time   `json:"time"`
}
