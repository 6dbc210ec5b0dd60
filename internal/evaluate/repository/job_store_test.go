package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"protoeval/internal/common/mq"
	"protoeval/internal/evaluate/model"
	"protoeval/internal/evaluate/repository"
	appErr "protoeval/pkg/errors"
)

func newStore(t *testing.T) *repository.JobStore {
	t.Helper()
	store, err := repository.NewJobStore(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	return store
}

func TestReadStatusDefaultsToPending(t *testing.T) {
	store := newStore(t)

	// job directory that exists but has no status file yet
	jobID, err := store.CreateJob()
	if err != nil {
		t.Fatalf("create job failed: %v", err)
	}
	record, err := store.ReadStatus(jobID)
	if err != nil {
		t.Fatalf("read status failed: %v", err)
	}
	if record.Status != model.JobPending {
		t.Fatalf("expected pending, got %s", record.Status)
	}

	// job id that was never created at all
	record, err = store.ReadStatus("not-created-yet")
	if err != nil {
		t.Fatalf("read status of unknown job failed: %v", err)
	}
	if record.Status != model.JobPending {
		t.Fatalf("expected pending for unknown job, got %s", record.Status)
	}
}

func TestWriteStatusReplacesWholeRecord(t *testing.T) {
	store := newStore(t)
	jobID, _ := store.CreateJob()

	if err := store.WriteStatus(jobID, model.JobFailed, "Error processing job: boom"); err != nil {
		t.Fatalf("write failed status: %v", err)
	}
	if err := store.WriteStatus(jobID, model.JobProcessing, ""); err != nil {
		t.Fatalf("write processing status: %v", err)
	}
	record, err := store.ReadStatus(jobID)
	if err != nil {
		t.Fatalf("read status failed: %v", err)
	}
	if record.Status != model.JobProcessing || record.Error != "" {
		t.Fatalf("expected clean processing record, got %+v", record)
	}
	if _, err := time.Parse(time.RFC3339, record.UpdatedAt); err != nil {
		t.Fatalf("updated_at is not RFC3339: %q", record.UpdatedAt)
	}
	if err := store.WriteStatus(jobID, model.JobStatus("exploded"), ""); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}

	dir, _ := store.JobDir(jobID)
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestConcurrentStatusReadersNeverSeeTornWrites(t *testing.T) {
	store := newStore(t)
	jobID, _ := store.CreateJob()
	_ = store.WriteStatus(jobID, model.JobPending, "")

	longMessage := strings.Repeat("x", 64<<10)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if i%2 == 0 {
				_ = store.WriteStatus(jobID, model.JobFailed, longMessage)
			} else {
				_ = store.WriteStatus(jobID, model.JobProcessing, "")
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		record, err := store.ReadStatus(jobID)
		if err != nil {
			t.Fatalf("reader observed torn status: %v", err)
		}
		if record.Status == model.JobFailed && record.Error != longMessage {
			t.Fatalf("reader observed partial error message")
		}
	}
}

func TestCorruptStatusIsAnError(t *testing.T) {
	store := newStore(t)
	jobID, _ := store.CreateJob()
	dir, _ := store.JobDir(jobID)
	if err := os.WriteFile(filepath.Join(dir, repository.StatusFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt status: %v", err)
	}
	if _, err := store.ReadStatus(jobID); !appErr.Is(err, appErr.CorruptRecord) {
		t.Fatalf("expected corrupt record error, got %v", err)
	}
}

func TestMetadataIsWriteOnce(t *testing.T) {
	store := newStore(t)
	jobID, _ := store.CreateJob()

	empty, err := store.ReadMetadata(jobID)
	if err != nil {
		t.Fatalf("read missing metadata failed: %v", err)
	}
	if empty.RobotVersion != "" {
		t.Fatalf("expected empty metadata")
	}

	meta := model.Metadata{RobotVersion: "8.7.0", RTP: json.RawMessage(`{"volume":100}`)}
	if err := store.WriteMetadata(jobID, meta); err != nil {
		t.Fatalf("write metadata failed: %v", err)
	}
	if err := store.WriteMetadata(jobID, meta); !appErr.Is(err, appErr.RecordAlreadyExists) {
		t.Fatalf("expected second metadata write to fail, got %v", err)
	}
	got, err := store.ReadMetadata(jobID)
	if err != nil {
		t.Fatalf("read metadata failed: %v", err)
	}
	if got.RobotVersion != "8.7.0" || got.CreatedAt == "" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if got.Overrides()["volume"] != float64(100) {
		t.Fatalf("unexpected overrides: %v", got.Overrides())
	}
}

func TestLocateFilesFirstMatchPolicy(t *testing.T) {
	store := newStore(t)
	jobID, _ := store.CreateJob()

	for _, upload := range []struct{ subdir, name string }{
		{"", "b_protocol.py"},
		{"", "a_protocol.py"},
		{"", "notes.txt"},
		{"", "plate.csv"},
		{repository.LabwareDirName, "custom_2.json"},
		{repository.LabwareDirName, "custom_1.json"},
	} {
		if _, err := store.SaveFile(jobID, upload.subdir, upload.name, strings.NewReader("x")); err != nil {
			t.Fatalf("save %s failed: %v", upload.name, err)
		}
	}

	files, err := store.LocateFiles(jobID)
	if err != nil {
		t.Fatalf("locate files failed: %v", err)
	}
	if filepath.Base(files.ProtocolFile) != "a_protocol.py" {
		t.Fatalf("unexpected protocol file: %s", files.ProtocolFile)
	}
	if filepath.Base(files.CSVFile) != "plate.csv" {
		t.Fatalf("csv must win over txt, got %s", files.CSVFile)
	}
	if len(files.LabwareFiles) != 2 || filepath.Base(files.LabwareFiles[0]) != "custom_1.json" {
		t.Fatalf("unexpected labware files: %v", files.LabwareFiles)
	}
}

func TestLocateFilesFallsBackToTxt(t *testing.T) {
	store := newStore(t)
	jobID, _ := store.CreateJob()
	_, _ = store.SaveFile(jobID, "", "protocol.py", strings.NewReader("x"))
	_, _ = store.SaveFile(jobID, "", "values.txt", strings.NewReader("a,b"))

	files, err := store.LocateFiles(jobID)
	if err != nil {
		t.Fatalf("locate files failed: %v", err)
	}
	if filepath.Base(files.CSVFile) != "values.txt" {
		t.Fatalf("expected txt fallback, got %q", files.CSVFile)
	}
	if len(files.LabwareFiles) != 0 {
		t.Fatalf("expected no labware, got %v", files.LabwareFiles)
	}
}

func TestSaveFileRejectsTraversalAndReservedNames(t *testing.T) {
	store := newStore(t)
	jobID, _ := store.CreateJob()

	path, err := store.SaveFile(jobID, "", "../../escape.py", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	dir, _ := store.JobDir(jobID)
	if filepath.Dir(path) != dir {
		t.Fatalf("file escaped job dir: %s", path)
	}
	if _, err := store.SaveFile(jobID, "", repository.StatusFileName, strings.NewReader("{}")); err == nil {
		t.Fatalf("expected reserved name to be rejected")
	}
	if _, err := store.SaveFile(jobID, "../other", "a.json", strings.NewReader("{}")); err == nil {
		t.Fatalf("expected invalid subdir to be rejected")
	}
	if _, err := store.JobDir("../etc"); err == nil {
		t.Fatalf("expected invalid job id to be rejected")
	}
}

func TestArtifactsAreCreatedOnceAndValidated(t *testing.T) {
	store := newStore(t)
	jobID, _ := store.CreateJob()
	files := model.JobFiles{JobID: jobID, ProtocolFile: "p.py"}

	if store.HasArtifact(jobID, model.ResultAnalysis) {
		t.Fatalf("unexpected artifact")
	}
	if _, err := store.ReadArtifact(jobID, model.ResultAnalysis); !appErr.Is(err, appErr.JobResultNotReady) {
		t.Fatalf("expected not ready error, got %v", err)
	}

	bad := model.Artifact{Kind: model.KindAnalysis, JobID: jobID, Status: model.ResultSuccess}
	if err := store.WriteArtifact(jobID, model.ResultAnalysis, bad); err == nil {
		t.Fatalf("expected invalid artifact to be rejected")
	}
	other := model.NewSkippedSimulation(model.JobFiles{JobID: "other"}, "8.7.0", "reason")
	if err := store.WriteArtifact(jobID, model.ResultSimulation, other); err == nil {
		t.Fatalf("expected artifact of another job to be rejected")
	}

	artifact := model.NewAnalysisArtifact(files, "8.7.0", json.RawMessage(`{"commands":[]}`), "", model.RunMetadata{RobotVersion: "8.7.0"})
	if err := store.WriteArtifact(jobID, model.ResultAnalysis, artifact); err != nil {
		t.Fatalf("write artifact failed: %v", err)
	}
	if err := store.WriteArtifact(jobID, model.ResultAnalysis, artifact); !appErr.Is(err, appErr.RecordAlreadyExists) {
		t.Fatalf("expected artifact to be immutable, got %v", err)
	}
	got, err := store.ReadArtifact(jobID, model.ResultAnalysis)
	if err != nil {
		t.Fatalf("read artifact failed: %v", err)
	}
	if got.JobID != jobID || got.Kind != model.KindAnalysis {
		t.Fatalf("unexpected artifact: %+v", got)
	}
	raw, err := store.ReadArtifactRaw(jobID, model.ResultAnalysis)
	if err != nil || !json.Valid(raw) {
		t.Fatalf("raw artifact should be valid json: %v", err)
	}
}

func TestClaimIsExclusiveAndExpires(t *testing.T) {
	root := t.TempDir()
	store, _ := repository.NewJobStore(root, 50*time.Millisecond)
	jobID, _ := store.CreateJob()

	ok, err := store.Claim(jobID)
	if err != nil || !ok {
		t.Fatalf("expected first claim, ok=%v err=%v", ok, err)
	}
	ok, err = store.Claim(jobID)
	if err != nil || ok {
		t.Fatalf("expected second claim to be refused, ok=%v err=%v", ok, err)
	}

	dir, _ := store.JobDir(jobID)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, ".claim"), old, old); err != nil {
		t.Fatalf("age claim failed: %v", err)
	}
	ok, err = store.Claim(jobID)
	if err != nil || !ok {
		t.Fatalf("expected stale claim to be taken over, ok=%v err=%v", ok, err)
	}
	if err := store.Release(jobID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.Release(jobID); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
}

func TestListJobIDsSkipsFilesAndHiddenEntries(t *testing.T) {
	store := newStore(t)
	a, _ := store.CreateJob()
	b, _ := store.CreateJob()
	_ = os.WriteFile(filepath.Join(store.Root(), "stray.txt"), []byte("x"), 0o644)
	_ = os.Mkdir(filepath.Join(store.Root(), ".venvs"), 0o755)

	ids, err := store.ListJobIDs()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 jobs, got %v", ids)
	}
	seen := map[string]bool{ids[0]: true, ids[1]: true}
	if !seen[a] || !seen[b] {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestStagedJobIsInvisibleUntilPublished(t *testing.T) {
	store := newStore(t)
	staging, err := store.Staging()
	if err != nil {
		t.Fatalf("open staging failed: %v", err)
	}
	jobID, err := staging.CreateJob()
	if err != nil {
		t.Fatalf("create staged job failed: %v", err)
	}
	if _, err := staging.SaveFile(jobID, "", "protocol.py", strings.NewReader("print(1)")); err != nil {
		t.Fatalf("save staged file failed: %v", err)
	}

	ids, _ := store.ListJobIDs()
	if len(ids) != 0 || store.JobExists(jobID) {
		t.Fatalf("staged job must not be listed, got %v", ids)
	}

	if err := store.Publish(staging, jobID); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	ids, _ = store.ListJobIDs()
	if len(ids) != 1 || ids[0] != jobID {
		t.Fatalf("expected published job, got %v", ids)
	}
	files, err := store.LocateFiles(jobID)
	if err != nil || filepath.Base(files.ProtocolFile) != "protocol.py" {
		t.Fatalf("unexpected files %+v err=%v", files, err)
	}

	if err := store.RemoveJob(jobID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if store.JobExists(jobID) {
		t.Fatalf("job still exists after remove")
	}
}

type fakeQueue struct {
	records []mq.Record
	err     error
}

func (f *fakeQueue) Publish(ctx context.Context, records ...mq.Record) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeQueue) Close() error { return nil }

func TestQueueStatusPublisher(t *testing.T) {
	queue := &fakeQueue{}
	pub := repository.NewQueueStatusPublisher(queue)

	event := model.StatusEvent{JobID: "j1", Status: model.JobCompleted, RobotVersion: "8.7.0"}
	if err := pub.PublishFinalStatus(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(queue.records) != 1 {
		t.Fatalf("expected one record, got %d", len(queue.records))
	}
	record := queue.records[0]
	if record.Key != "j1" || record.Headers["status"] != "completed" || record.Headers["robot-version"] != "8.7.0" {
		t.Fatalf("unexpected record %+v", record)
	}
	var decoded model.StatusEvent
	if err := json.Unmarshal(record.Value, &decoded); err != nil {
		t.Fatalf("decode event failed: %v", err)
	}
	if decoded.Type != model.StatusEventFinal || decoded.CreatedAt == 0 {
		t.Fatalf("unexpected event: %+v", decoded)
	}

	if err := pub.PublishFinalStatus(context.Background(), model.StatusEvent{JobID: "j1", Status: model.JobProcessing}); err == nil {
		t.Fatalf("expected non-terminal status to be rejected")
	}
	queue.err = errors.New("broker down")
	if err := pub.PublishFinalStatus(context.Background(), event); appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	var nilPub *repository.QueueStatusPublisher
	if err := nilPub.PublishFinalStatus(context.Background(), event); err == nil {
		t.Fatalf("expected unconfigured publisher to fail")
	}
}
