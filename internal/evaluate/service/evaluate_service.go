package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"protoeval/internal/evaluate/metrics"
	"protoeval/internal/evaluate/model"
	"protoeval/internal/evaluate/repository"
	appErr "protoeval/pkg/errors"
	"protoeval/pkg/utils/logger"

	"go.uber.org/zap"
)

// VersionCatalog answers which robot versions can be evaluated.
type VersionCatalog interface {
	Supports(version string) bool
	Versions() []string
	ProtocolAPIVersions() map[string]string
}

// Config holds evaluate service dependencies and settings.
type Config struct {
	Store    *repository.JobStore
	Catalog  VersionCatalog
	Version  string
	Metrics  *metrics.Metrics
	MaxFiles int
}

// EvaluateService accepts uploads and answers status and result queries.
type EvaluateService struct {
	store    *repository.JobStore
	staging  *repository.JobStore
	catalog  VersionCatalog
	version  string
	metrics  *metrics.Metrics
	maxFiles int
}

// Upload is one named file in a submission.
type Upload struct {
	Name   string
	Reader io.Reader
}

// SubmitInput describes an evaluation request.
type SubmitInput struct {
	RobotVersion string
	Protocol     Upload
	Labware      []Upload
	CSV          *Upload
	RTP          string
}

// SubmitOutput echoes what was stored for a new job.
type SubmitOutput struct {
	JobID        string          `json:"job_id"`
	ProtocolFile string          `json:"protocol_file"`
	LabwareFiles []string        `json:"labware_files"`
	CSVFile      *string         `json:"csv_file"`
	RTP          json.RawMessage `json:"rtp"`
	RobotVersion string          `json:"robot_version"`
}

// StatusView is the public status of a job.
type StatusView struct {
	JobID     string          `json:"job_id"`
	Status    model.JobStatus `json:"status"`
	UpdatedAt *string         `json:"updated_at"`
	Error     *string         `json:"error"`
}

// ResultView carries one artifact, or the failure when none exists.
type ResultView struct {
	JobID      string           `json:"job_id"`
	Status     model.JobStatus  `json:"status"`
	ResultType model.ResultType `json:"result_type"`
	Result     json.RawMessage  `json:"result"`
	Error      *string          `json:"error"`
}

// InfoView describes the service and the versions it supports.
type InfoView struct {
	Version                string            `json:"version"`
	ProtocolAPIVersions    map[string]string `json:"protocol_api_versions"`
	SupportedRobotVersions []string          `json:"supported_robot_versions"`
}

const defaultMaxFiles = 64

// NewEvaluateService creates the intake and query service.
func NewEvaluateService(cfg Config) (*EvaluateService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("version catalog is required")
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	staging, err := cfg.Store.Staging()
	if err != nil {
		return nil, err
	}
	return &EvaluateService{
		store:    cfg.Store,
		staging:  staging,
		catalog:  cfg.Catalog,
		version:  cfg.Version,
		metrics:  cfg.Metrics,
		maxFiles: cfg.MaxFiles,
	}, nil
}

// Info reports the service version and version tables.
func (s *EvaluateService) Info() InfoView {
	return InfoView{
		Version:                s.version,
		ProtocolAPIVersions:    s.catalog.ProtocolAPIVersions(),
		SupportedRobotVersions: s.catalog.Versions(),
	}
}

// Submit validates the request and creates a pending job. The job only
// becomes visible to the processor once every file is on disk.
func (s *EvaluateService) Submit(ctx context.Context, input SubmitInput) (*SubmitOutput, error) {
	out, err := s.submit(ctx, input)
	if err != nil {
		s.metrics.ObserveSubmission("rejected")
		return nil, err
	}
	s.metrics.ObserveSubmission("accepted")
	return out, nil
}

func (s *EvaluateService) submit(ctx context.Context, input SubmitInput) (*SubmitOutput, error) {
	rtp, err := s.validate(input)
	if err != nil {
		return nil, err
	}

	jobID, err := s.staging.CreateJob()
	if err != nil {
		return nil, err
	}
	ctx = logger.WithJobID(ctx, jobID)
	published := false
	defer func() {
		if !published {
			if err := s.staging.RemoveJob(jobID); err != nil {
				logger.Warn(ctx, "cleanup staged job failed", zap.Error(err))
			}
		}
	}()

	out := &SubmitOutput{
		JobID:        jobID,
		ProtocolFile: input.Protocol.Name,
		LabwareFiles: make([]string, 0, len(input.Labware)),
		RTP:          rtp,
		RobotVersion: input.RobotVersion,
	}
	meta := model.Metadata{RobotVersion: input.RobotVersion, RTP: rtp}
	if input.CSV != nil {
		name := input.CSV.Name
		out.CSVFile = &name
		meta.CSVFile = name
	}
	if err := s.staging.WriteMetadata(jobID, meta); err != nil {
		return nil, err
	}
	if _, err := s.staging.SaveFile(jobID, "", input.Protocol.Name, input.Protocol.Reader); err != nil {
		return nil, err
	}
	for _, lw := range input.Labware {
		if _, err := s.staging.SaveFile(jobID, repository.LabwareDirName, lw.Name, lw.Reader); err != nil {
			return nil, err
		}
		out.LabwareFiles = append(out.LabwareFiles, lw.Name)
	}
	if input.CSV != nil {
		if _, err := s.staging.SaveFile(jobID, "", input.CSV.Name, input.CSV.Reader); err != nil {
			return nil, err
		}
	}
	if err := s.staging.WriteStatus(jobID, model.JobPending, ""); err != nil {
		return nil, err
	}
	if err := s.store.Publish(s.staging, jobID); err != nil {
		return nil, err
	}
	published = true

	logger.Info(ctx, "job submitted",
		zap.String("robot_version", input.RobotVersion),
		zap.String("protocol_file", input.Protocol.Name),
		zap.Int("labware_count", len(out.LabwareFiles)),
		zap.Bool("has_csv", input.CSV != nil),
	)
	return out, nil
}

// validate checks the request in the order clients see errors and returns
// the decoded override document, if any.
func (s *EvaluateService) validate(input SubmitInput) (json.RawMessage, error) {
	if !s.catalog.Supports(input.RobotVersion) {
		return nil, appErr.Newf(appErr.UnsupportedVersion,
			"Unsupported robot server version: %s. Supported versions: %s",
			input.RobotVersion, strings.Join(s.catalog.Versions(), ", "))
	}
	if input.Protocol.Reader == nil || !hasExt(input.Protocol.Name, ".py") {
		return nil, appErr.New(appErr.InvalidUpload).WithMessage("Protocol file must have a .py extension")
	}
	if 1+len(input.Labware) > s.maxFiles {
		return nil, appErr.Newf(appErr.InvalidUpload, "At most %d files may be uploaded", s.maxFiles)
	}
	for _, lw := range input.Labware {
		if lw.Reader == nil || !hasExt(lw.Name, ".json") {
			return nil, appErr.Newf(appErr.InvalidUpload, "Labware file '%s' must have a .json extension", lw.Name)
		}
	}
	if input.CSV != nil && (input.CSV.Reader == nil || !(hasExt(input.CSV.Name, ".csv") || hasExt(input.CSV.Name, ".txt"))) {
		return nil, appErr.New(appErr.InvalidUpload).WithMessage("CSV file must have a .csv or .txt extension")
	}
	if strings.TrimSpace(input.RTP) == "" {
		return nil, nil
	}
	raw := json.RawMessage(strings.TrimSpace(input.RTP))
	var probe interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, appErr.Newf(appErr.InvalidFormat, "Invalid RTP JSON: %s", err.Error())
	}
	return raw, nil
}

// GetStatus returns the status of an existing job.
func (s *EvaluateService) GetStatus(ctx context.Context, jobID string) (*StatusView, error) {
	if !s.store.JobExists(jobID) {
		return nil, appErr.Newf(appErr.JobNotFound, "Job %s not found", jobID)
	}
	record, err := s.store.ReadStatus(jobID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		JobID:     jobID,
		Status:    record.Status,
		UpdatedAt: optional(record.UpdatedAt),
		Error:     optional(record.Error),
	}, nil
}

// GetResult returns the requested artifact. A failed job without that
// artifact reports its failure instead; any other job without it is not ready.
func (s *EvaluateService) GetResult(ctx context.Context, jobID string, resultType model.ResultType) (*ResultView, error) {
	if !s.store.JobExists(jobID) {
		return nil, appErr.Newf(appErr.JobNotFound, "Job %s not found", jobID)
	}
	record, err := s.store.ReadStatus(jobID)
	if err != nil {
		return nil, err
	}
	view := &ResultView{JobID: jobID, Status: record.Status, ResultType: resultType}

	data, err := s.store.ReadArtifactRaw(jobID, resultType)
	if err == nil {
		view.Result = json.RawMessage(data)
		return view, nil
	}
	if !appErr.Is(err, appErr.JobResultNotReady) {
		return nil, err
	}
	if record.Status == model.JobFailed {
		msg := record.Error
		if msg == "" {
			msg = "Job failed"
		}
		view.Error = &msg
		return view, nil
	}
	return nil, appErr.Newf(appErr.JobResultNotReady,
		"Requested %s results are not available yet for job %s. Current status: %s",
		resultType, jobID, record.Status)
}

func hasExt(name, ext string) bool {
	return name != "" && strings.EqualFold(filepath.Ext(name), ext)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
