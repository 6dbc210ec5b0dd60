package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state recorded in status.json.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is expected.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid reports whether s is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// StatusRecord is the full content of status.json. It is always replaced whole.
type StatusRecord struct {
	Status    JobStatus `json:"status"`
	UpdatedAt string    `json:"updated_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Metadata is written once when the job is created.
type Metadata struct {
	RobotVersion string          `json:"robot_version,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	RTP          json.RawMessage `json:"rtp,omitempty"`
	CSVFile      string          `json:"csv_file,omitempty"`
}

// Overrides decodes the runtime-parameter override map. Anything that is not
// a JSON object (absent, null, list, scalar) yields an empty map.
func (m Metadata) Overrides() map[string]interface{} {
	out := map[string]interface{}{}
	if len(m.RTP) == 0 {
		return out
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(m.RTP, &decoded); err != nil || decoded == nil {
		return out
	}
	return decoded
}

// JobFiles lists the inputs discovered inside one job directory.
type JobFiles struct {
	JobID        string
	JobDir       string
	ProtocolFile string
	LabwareFiles []string
	CSVFile      string
}

// Timestamp formats t the way every record in a job directory does.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
