package model

// StatusEventType describes the status event type.
type StatusEventType string

const (
	StatusEventFinal StatusEventType = "job.final"
)

// StatusEvent is published once a job reaches a terminal state.
type StatusEvent struct {
	Type         StatusEventType `json:"type"`
	JobID        string          `json:"job_id"`
	Status       JobStatus       `json:"status"`
	RobotVersion string          `json:"robot_version,omitempty"`
	Error        string          `json:"error,omitempty"`
	ArchiveKey   string          `json:"archive_key,omitempty"`
	CreatedAt    int64           `json:"created_at"`
}
