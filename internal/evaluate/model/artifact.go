package model

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// ResultType names one of the two artifact slots of a job.
type ResultType string

const (
	ResultAnalysis   ResultType = "analysis"
	ResultSimulation ResultType = "simulation"
)

// ParseResultType accepts the query values exposed over HTTP.
func ParseResultType(raw string) (ResultType, bool) {
	switch ResultType(raw) {
	case ResultAnalysis, ResultSimulation:
		return ResultType(raw), true
	}
	return "", false
}

// ArtifactKind discriminates the shape of an artifact record.
type ArtifactKind string

const (
	KindAnalysis   ArtifactKind = "analysis"
	KindSimulation ArtifactKind = "simulation"
	KindError      ArtifactKind = "error"
)

// ResultStatus is the outcome recorded inside an artifact.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultSkipped ResultStatus = "skipped"
)

// FilesAnalyzed lists input file names (not paths) the tool saw.
type FilesAnalyzed struct {
	ProtocolFile string   `json:"protocol_file"`
	LabwareFiles []string `json:"labware_files"`
	CSVFile      *string  `json:"csv_file"`
}

// RunMetadata records how an external tool was invoked.
type RunMetadata struct {
	RobotVersion       string            `json:"robot_version"`
	ProcessedAt        string            `json:"processed_at"`
	PythonPath         string            `json:"python_path"`
	ExitCode           int               `json:"exit_code"`
	CSVParameterMap    map[string]string `json:"csv_parameter_map"`
	StartedAt          string            `json:"started_at"`
	FinishedAt         string            `json:"finished_at"`
	DurationMs         int64             `json:"duration_ms"`
	LabwareSearchPaths []string          `json:"labware_search_paths,omitempty"`
}

// withParameterMap returns a copy whose parameter map encodes as {} when unset.
func (m RunMetadata) withParameterMap() *RunMetadata {
	if m.CSVParameterMap == nil {
		m.CSVParameterMap = map[string]string{}
	}
	return &m
}

// Artifact is the content of completed_analysis.json or completed_simulation.json.
// Kind selects which of the optional fields are meaningful; Validate enforces it.
type Artifact struct {
	Kind          ArtifactKind    `json:"kind"`
	JobID         string          `json:"job_id"`
	Status        ResultStatus    `json:"status"`
	RobotVersion  string          `json:"robot_version"`
	FilesAnalyzed *FilesAnalyzed  `json:"files_analyzed,omitempty"`
	Analysis      json.RawMessage `json:"analysis,omitempty"`
	Simulation    json.RawMessage `json:"simulation,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Stage         ResultType      `json:"stage,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     int             `json:"error_code,omitempty"`
	Logs          string          `json:"logs,omitempty"`
	Metadata      *RunMetadata    `json:"metadata,omitempty"`
}

// NewFilesAnalyzed reduces job file paths to the names reported in artifacts.
func NewFilesAnalyzed(files JobFiles) *FilesAnalyzed {
	out := &FilesAnalyzed{LabwareFiles: make([]string, 0, len(files.LabwareFiles))}
	if files.ProtocolFile != "" {
		out.ProtocolFile = filepath.Base(files.ProtocolFile)
	}
	for _, path := range files.LabwareFiles {
		out.LabwareFiles = append(out.LabwareFiles, filepath.Base(path))
	}
	if files.CSVFile != "" {
		name := filepath.Base(files.CSVFile)
		out.CSVFile = &name
	}
	return out
}

// NewAnalysisArtifact records one analyzer run. A non-zero exit code marks the
// artifact as an error but still carries the decoded document.
func NewAnalysisArtifact(files JobFiles, robotVersion string, document json.RawMessage, logs string, meta RunMetadata) Artifact {
	status := ResultSuccess
	if meta.ExitCode != 0 {
		status = ResultError
	}
	return Artifact{
		Kind:          KindAnalysis,
		JobID:         files.JobID,
		Status:        status,
		RobotVersion:  robotVersion,
		FilesAnalyzed: NewFilesAnalyzed(files),
		Analysis:      document,
		Logs:          logs,
		Metadata:      meta.withParameterMap(),
	}
}

// NewSimulationArtifact records one simulator run.
func NewSimulationArtifact(files JobFiles, robotVersion string, document json.RawMessage, logs string, meta RunMetadata) Artifact {
	status := ResultSuccess
	if meta.ExitCode != 0 {
		status = ResultError
	}
	return Artifact{
		Kind:          KindSimulation,
		JobID:         files.JobID,
		Status:        status,
		RobotVersion:  robotVersion,
		FilesAnalyzed: NewFilesAnalyzed(files),
		Simulation:    document,
		Logs:          logs,
		Metadata:      meta.withParameterMap(),
	}
}

// NewSkippedSimulation records that simulation was deliberately not attempted.
func NewSkippedSimulation(files JobFiles, robotVersion, reason string) Artifact {
	return Artifact{
		Kind:          KindSimulation,
		JobID:         files.JobID,
		Status:        ResultSkipped,
		RobotVersion:  robotVersion,
		FilesAnalyzed: NewFilesAnalyzed(files),
		Reason:        reason,
	}
}

// NewErrorArtifact records a stage that could not produce a tool result at all.
func NewErrorArtifact(files JobFiles, robotVersion string, stage ResultType, code int, message string) Artifact {
	return Artifact{
		Kind:          KindError,
		JobID:         files.JobID,
		Status:        ResultError,
		RobotVersion:  robotVersion,
		FilesAnalyzed: NewFilesAnalyzed(files),
		Stage:         stage,
		Error:         message,
		ErrorCode:     code,
	}
}

// Validate checks the invariants of the record's kind.
func (a Artifact) Validate() error {
	if a.JobID == "" {
		return fmt.Errorf("artifact missing job_id")
	}
	switch a.Kind {
	case KindAnalysis:
		if a.Status != ResultSuccess && a.Status != ResultError {
			return fmt.Errorf("analysis artifact has invalid status %q", a.Status)
		}
		if len(a.Analysis) == 0 || !json.Valid(a.Analysis) {
			return fmt.Errorf("analysis artifact has no analysis document")
		}
	case KindSimulation:
		switch a.Status {
		case ResultSkipped:
			if a.Reason == "" {
				return fmt.Errorf("skipped simulation artifact has no reason")
			}
		case ResultSuccess, ResultError:
			if len(a.Simulation) == 0 || !json.Valid(a.Simulation) {
				return fmt.Errorf("simulation artifact has no simulation document")
			}
		default:
			return fmt.Errorf("simulation artifact has invalid status %q", a.Status)
		}
	case KindError:
		if a.Status != ResultError || a.Error == "" {
			return fmt.Errorf("error artifact must carry status error and a message")
		}
	default:
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	return nil
}
