package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"protoeval/internal/evaluate/model"
	appErr "protoeval/pkg/errors"

	"github.com/google/uuid"
)

const (
	MetadataFileName   = "metadata.json"
	StatusFileName     = "status.json"
	AnalysisFileName   = "completed_analysis.json"
	SimulationFileName = "completed_simulation.json"
	LabwareDirName     = "labware"

	claimFileName   = ".claim"
	stagingDirName  = ".staging"
	defaultClaimTTL = 30 * time.Minute
)

// JobStore persists job state as plain files under one root directory.
// Every write replaces a whole file atomically; the store itself does no locking.
type JobStore struct {
	root     string
	claimTTL time.Duration
	now      func() time.Time
}

// NewJobStore creates the root directory if needed.
func NewJobStore(root string, claimTTL time.Duration) (*JobStore, error) {
	if root == "" {
		return nil, fmt.Errorf("job store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create job store root failed")
	}
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &JobStore{root: root, claimTTL: claimTTL, now: time.Now}, nil
}

// Root returns the storage root.
func (s *JobStore) Root() string {
	return s.root
}

// JobDir returns the directory for a job id. The id must be a single path element.
func (s *JobStore) JobDir(jobID string) (string, error) {
	if !validJobID(jobID) {
		return "", appErr.ValidationError("job_id", "invalid")
	}
	return filepath.Join(s.root, jobID), nil
}

// JobExists reports whether the job directory is present.
func (s *JobStore) JobExists(jobID string) bool {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// CreateJob allocates a fresh job directory and returns its id.
func (s *JobStore) CreateJob() (string, error) {
	jobID := uuid.NewString()
	dir := filepath.Join(s.root, jobID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "create job dir failed")
	}
	return jobID, nil
}

// Staging returns a store rooted at a hidden directory under this root. Jobs
// assembled there are invisible to ListJobIDs until Publish moves them.
func (s *JobStore) Staging() (*JobStore, error) {
	staging, err := NewJobStore(filepath.Join(s.root, stagingDirName), s.claimTTL)
	if err != nil {
		return nil, err
	}
	staging.now = s.now
	return staging, nil
}

// Publish moves a fully written job from staging into this store.
func (s *JobStore) Publish(staging *JobStore, jobID string) error {
	src, err := staging.JobDir(jobID)
	if err != nil {
		return err
	}
	dst, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "publish job %s failed", jobID)
	}
	return nil
}

// RemoveJob deletes a job directory and everything in it.
func (s *JobStore) RemoveJob(jobID string) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "remove job %s failed", jobID)
	}
	return nil
}

// ListJobIDs returns every job directory name under the root, in name order.
func (s *JobStore) ListJobIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "list job dirs failed")
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && validJobID(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// WriteStatus replaces status.json with the given state and the current time.
func (s *JobStore) WriteStatus(jobID string, status model.JobStatus, errMsg string) error {
	if !status.Valid() {
		return appErr.ValidationError("status", "unknown job status")
	}
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	record := model.StatusRecord{
		Status:    status,
		UpdatedAt: model.Timestamp(s.now()),
		Error:     errMsg,
	}
	return writeJSONAtomic(filepath.Join(dir, StatusFileName), record)
}

// ReadStatus returns the last written status, or pending when none was written yet.
func (s *JobStore) ReadStatus(jobID string) (model.StatusRecord, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return model.StatusRecord{}, err
	}
	var record model.StatusRecord
	found, err := readJSON(filepath.Join(dir, StatusFileName), &record)
	if err != nil {
		return model.StatusRecord{}, err
	}
	if !found {
		return model.StatusRecord{Status: model.JobPending}, nil
	}
	if !record.Status.Valid() {
		return model.StatusRecord{}, appErr.Newf(appErr.CorruptRecord, "status file has unknown status %q", record.Status)
	}
	return record, nil
}

// WriteMetadata stores metadata.json. It may only be written once per job.
func (s *JobStore) WriteMetadata(jobID string, meta model.Metadata) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, MetadataFileName)
	if fileExists(path) {
		return appErr.Newf(appErr.RecordAlreadyExists, "metadata already written for job %s", jobID)
	}
	if meta.CreatedAt == "" {
		meta.CreatedAt = model.Timestamp(s.now())
	}
	return writeJSONAtomic(path, meta)
}

// ReadMetadata returns the stored metadata, or empty metadata when absent.
func (s *JobStore) ReadMetadata(jobID string) (model.Metadata, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return model.Metadata{}, err
	}
	var meta model.Metadata
	if _, err := readJSON(filepath.Join(dir, MetadataFileName), &meta); err != nil {
		return model.Metadata{}, err
	}
	return meta, nil
}

// SaveFile copies an uploaded file into the job directory (or a subdirectory of it).
func (s *JobStore) SaveFile(jobID, subdir, name string, src io.Reader) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" || isReservedName(base) {
		return "", appErr.ValidationError("filename", "invalid")
	}
	if subdir != "" {
		if !validJobID(subdir) {
			return "", appErr.ValidationError("subdir", "invalid")
		}
		dir = filepath.Join(dir, subdir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", appErr.Wrapf(err, appErr.StorageError, "create upload dir failed")
		}
	}
	target := filepath.Join(dir, base)
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "create upload file failed")
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", appErr.Wrapf(err, appErr.StorageError, "write upload file failed")
	}
	if err := dst.Close(); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "close upload file failed")
	}
	return target, nil
}

// LocateFiles finds the protocol, labware and tabular input inside a job directory.
// Protocol is the first *.py, tabular input the first *.csv or else the first *.txt.
func (s *JobStore) LocateFiles(jobID string) (model.JobFiles, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return model.JobFiles{}, err
	}
	files := model.JobFiles{JobID: jobID, JobDir: dir}
	if files.ProtocolFile, err = firstMatch(dir, "*.py"); err != nil {
		return files, err
	}
	labware, err := filepath.Glob(filepath.Join(dir, LabwareDirName, "*.json"))
	if err != nil {
		return files, appErr.Wrapf(err, appErr.StorageError, "list labware failed")
	}
	files.LabwareFiles = regularFiles(labware)
	if files.CSVFile, err = firstMatch(dir, "*.csv"); err != nil {
		return files, err
	}
	if files.CSVFile == "" {
		if files.CSVFile, err = firstMatch(dir, "*.txt"); err != nil {
			return files, err
		}
	}
	return files, nil
}

// WriteArtifact stores one result record. Artifacts are created once and never replaced.
func (s *JobStore) WriteArtifact(jobID string, resultType model.ResultType, artifact model.Artifact) error {
	if err := artifact.Validate(); err != nil {
		return appErr.Wrapf(err, appErr.ValidationFailed, "invalid %s artifact", resultType)
	}
	if artifact.JobID != jobID {
		return appErr.ValidationError("job_id", "artifact belongs to another job")
	}
	path, err := s.artifactPath(jobID, resultType)
	if err != nil {
		return err
	}
	if fileExists(path) {
		return appErr.Newf(appErr.RecordAlreadyExists, "%s artifact already exists for job %s", resultType, jobID)
	}
	return writeJSONAtomic(path, artifact)
}

// ReadArtifact loads and validates a result record.
func (s *JobStore) ReadArtifact(jobID string, resultType model.ResultType) (model.Artifact, error) {
	path, err := s.artifactPath(jobID, resultType)
	if err != nil {
		return model.Artifact{}, err
	}
	var artifact model.Artifact
	found, err := readJSON(path, &artifact)
	if err != nil {
		return model.Artifact{}, err
	}
	if !found {
		return model.Artifact{}, appErr.Newf(appErr.JobResultNotReady, "%s result not available yet", resultType)
	}
	if err := artifact.Validate(); err != nil {
		return model.Artifact{}, appErr.Wrapf(err, appErr.CorruptRecord, "stored %s artifact is invalid", resultType)
	}
	return artifact, nil
}

// ReadArtifactRaw returns the artifact file bytes without decoding.
func (s *JobStore) ReadArtifactRaw(jobID string, resultType model.ResultType) ([]byte, error) {
	path, err := s.artifactPath(jobID, resultType)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.Newf(appErr.JobResultNotReady, "%s result not available yet", resultType)
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "read %s artifact failed", resultType)
	}
	return data, nil
}

// HasArtifact reports whether the result record exists.
func (s *JobStore) HasArtifact(jobID string, resultType model.ResultType) bool {
	path, err := s.artifactPath(jobID, resultType)
	if err != nil {
		return false
	}
	return fileExists(path)
}

// Claim marks the job as taken by this process. A claim older than the TTL is
// treated as abandoned and taken over.
func (s *JobStore) Claim(jobID string) (bool, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return false, err
	}
	path := filepath.Join(dir, claimFileName)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + " " + model.Timestamp(s.now()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return false, appErr.Wrapf(errors.Join(werr, cerr), appErr.StorageError, "write claim failed")
			}
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, appErr.Wrapf(err, appErr.StorageError, "create claim failed")
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			continue
		}
		if s.now().Sub(info.ModTime()) < s.claimTTL {
			return false, nil
		}
		_ = os.Remove(path)
	}
	return false, nil
}

// Release removes the claim marker.
func (s *JobStore) Release(jobID string) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, claimFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return appErr.Wrapf(err, appErr.StorageError, "remove claim failed")
	}
	return nil
}

func (s *JobStore) artifactPath(jobID string, resultType model.ResultType) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	switch resultType {
	case model.ResultAnalysis:
		return filepath.Join(dir, AnalysisFileName), nil
	case model.ResultSimulation:
		return filepath.Join(dir, SimulationFileName), nil
	}
	return "", appErr.ValidationError("result_type", "must be analysis or simulation")
}

func writeJSONAtomic(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "marshal %s failed", filepath.Base(path))
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes to a sibling temp file and renames it over path, so
// readers see either the old content or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create temp file failed")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return appErr.Wrapf(err, appErr.StorageError, "write temp file failed")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return appErr.Wrapf(err, appErr.StorageError, "sync temp file failed")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return appErr.Wrapf(err, appErr.StorageError, "close temp file failed")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return appErr.Wrapf(err, appErr.StorageError, "chmod temp file failed")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return appErr.Wrapf(err, appErr.StorageError, "replace %s failed", filepath.Base(path))
	}
	return nil
}

func readJSON(path string, out interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.StorageError, "read %s failed", filepath.Base(path))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, appErr.Wrapf(err, appErr.CorruptRecord, "decode %s failed", filepath.Base(path))
	}
	return true, nil
}

func firstMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "glob %s failed", pattern)
	}
	matches = regularFiles(matches)
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0], nil
}

func regularFiles(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.HasPrefix(filepath.Base(path), ".") {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func validJobID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// status/metadata/artifact files are owned by the store, uploads may not shadow them
func isReservedName(name string) bool {
	switch name {
	case MetadataFileName, StatusFileName, AnalysisFileName, SimulationFileName, claimFileName:
		return true
	}
	return false
}
