package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MaxJobs bounds the history kept on disk.
const MaxJobs = 20

// JobRef is one submission the CLI made.
type JobRef struct {
	ID           string    `json:"id"`
	RobotVersion string    `json:"robot_version,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	// Status is the last terminal status seen by wait, if any.
	Status string `json:"status,omitempty"`
}

// History lists recent submissions, newest first.
type History struct {
	Jobs []JobRef `json:"jobs"`
}

// Remember puts ref at the front, dropping an older entry with the same id
// and anything past MaxJobs.
func (h *History) Remember(ref JobRef) {
	jobs := make([]JobRef, 0, len(h.Jobs)+1)
	jobs = append(jobs, ref)
	for _, job := range h.Jobs {
		if job.ID != ref.ID {
			jobs = append(jobs, job)
		}
	}
	if len(jobs) > MaxJobs {
		jobs = jobs[:MaxJobs]
	}
	h.Jobs = jobs
}

func (h *History) Last() (JobRef, bool) {
	if len(h.Jobs) == 0 {
		return JobRef{}, false
	}
	return h.Jobs[0], true
}

// Resolve turns a user reference into a job id. "" is the newest job, "@N"
// the Nth newest, and a unique prefix of a remembered id expands to that id.
// Anything else is passed through so the server can judge it.
func (h *History) Resolve(ref string) (string, error) {
	if ref == "" {
		last, ok := h.Last()
		if !ok {
			return "", fmt.Errorf("no submitted jobs yet")
		}
		return last.ID, nil
	}
	if strings.HasPrefix(ref, "@") {
		n, err := strconv.Atoi(ref[1:])
		if err != nil || n < 1 {
			return "", fmt.Errorf("invalid history reference %q", ref)
		}
		if n > len(h.Jobs) {
			return "", fmt.Errorf("history holds %d jobs, no %s", len(h.Jobs), ref)
		}
		return h.Jobs[n-1].ID, nil
	}
	match := ""
	for _, job := range h.Jobs {
		if job.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(job.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("job prefix %q is ambiguous", ref)
			}
			match = job.ID
		}
	}
	if match != "" {
		return match, nil
	}
	return ref, nil
}

// SetStatus records the status of a remembered job and reports whether it was found.
func (h *History) SetStatus(id, status string) bool {
	for i := range h.Jobs {
		if h.Jobs[i].ID == id {
			h.Jobs[i].Status = status
			return true
		}
	}
	return false
}

// Forget drops one job, or all of them when id is empty.
func (h *History) Forget(id string) bool {
	if id == "" {
		h.Jobs = nil
		return true
	}
	for i, job := range h.Jobs {
		if job.ID == id {
			h.Jobs = append(h.Jobs[:i:i], h.Jobs[i+1:]...)
			return true
		}
	}
	return false
}

func Load(path string) (History, error) {
	var h History
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return h, fmt.Errorf("read job history failed: %w", err)
	}
	if len(data) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("parse job history failed: %w", err)
	}
	return h, nil
}

// Save writes to a temp file in the same dir and renames it over path.
func Save(path string, h History) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job history dir failed: %w", err)
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job history failed: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return fmt.Errorf("write job history failed: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write job history failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write job history failed: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace job history failed: %w", err)
	}
	return nil
}
