package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"protoeval/internal/evaluate/environment"
	"protoeval/internal/evaluate/executor"
	"protoeval/internal/evaluate/metrics"
	"protoeval/internal/evaluate/model"
	"protoeval/internal/evaluate/repository"
	"protoeval/internal/evaluate/runtimeparams"
	appErr "protoeval/pkg/errors"
	"protoeval/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultToolTimeout  = 120 * time.Second
	defaultPollInterval = 5 * time.Second
	failedStatusPrefix  = "Error processing job: "
)

// EnvironmentResolver maps a version id to its environment descriptor.
type EnvironmentResolver interface {
	Resolve(version string) (environment.Descriptor, error)
}

// EnvironmentProvisioner makes an environment usable and returns its interpreter.
type EnvironmentProvisioner interface {
	EnsureReady(ctx context.Context, d environment.Descriptor) (string, error)
}

// ParameterResolver computes analyzer runtime parameters.
type ParameterResolver interface {
	Resolve(ctx context.Context, meta model.Metadata, files model.JobFiles) (runtimeparams.Params, error)
}

// JobArchiver stores a copy of a finished job directory.
type JobArchiver interface {
	Archive(ctx context.Context, jobID, jobDir string) (string, error)
}

// ProcessorConfig holds processor dependencies and settings.
type ProcessorConfig struct {
	Store             *repository.JobStore
	Registry          EnvironmentResolver
	Provisioner       EnvironmentProvisioner
	Params            ParameterResolver
	Runner            executor.Runner
	AnalyzeScript     string
	SimulateScript    string
	AnalysisTimeout   time.Duration
	SimulationTimeout time.Duration
	PoolSize          int
	Publisher         repository.StatusEventPublisher
	Archiver          JobArchiver
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// Processor drives pending jobs through provisioning, analysis and simulation.
type Processor struct {
	store             *repository.JobStore
	registry          EnvironmentResolver
	provisioner       EnvironmentProvisioner
	params            ParameterResolver
	runner            executor.Runner
	analyzeScript     string
	simulateScript    string
	analysisTimeout   time.Duration
	simulationTimeout time.Duration
	poolSize          int
	publisher         repository.StatusEventPublisher
	archiver          JobArchiver
	metrics           *metrics.Metrics
	now               func() time.Time
}

// NewProcessor validates dependencies and creates a processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("environment registry is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("environment provisioner is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("command runner is required")
	}
	if cfg.AnalyzeScript == "" || cfg.SimulateScript == "" {
		return nil, fmt.Errorf("analyze and simulate scripts are required")
	}
	if cfg.Params == nil {
		cfg.Params = runtimeparams.NewResolver()
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = defaultToolTimeout
	}
	if cfg.SimulationTimeout <= 0 {
		cfg.SimulationTimeout = cfg.AnalysisTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		store:             cfg.Store,
		registry:          cfg.Registry,
		provisioner:       cfg.Provisioner,
		params:            cfg.Params,
		runner:            cfg.Runner,
		analyzeScript:     cfg.AnalyzeScript,
		simulateScript:    cfg.SimulateScript,
		analysisTimeout:   cfg.AnalysisTimeout,
		simulationTimeout: cfg.SimulationTimeout,
		poolSize:          cfg.PoolSize,
		publisher:         cfg.Publisher,
		archiver:          cfg.Archiver,
		metrics:           cfg.Metrics,
		now:               cfg.Now,
	}, nil
}

// FindPendingJobs lists jobs without an analysis artifact whose status is
// pending or failed. Order follows directory enumeration.
func (p *Processor) FindPendingJobs(ctx context.Context) ([]string, error) {
	ids, err := p.store.ListJobIDs()
	if err != nil {
		return nil, err
	}
	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if p.store.HasArtifact(id, model.ResultAnalysis) {
			continue
		}
		record, err := p.store.ReadStatus(id)
		if err != nil {
			logger.Warn(ctx, "skip job with unreadable status", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if record.Status == model.JobPending || record.Status == model.JobFailed {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// RunOnce processes every pending job found by one scan and returns how many
// were picked up. Per-job failures are recorded on the job, not returned.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	pending, err := p.FindPendingJobs(ctx)
	if err != nil {
		return 0, err
	}
	p.metrics.SetPending(len(pending))
	if len(pending) == 0 {
		return 0, nil
	}

	if p.poolSize == 1 {
		for _, jobID := range pending {
			if ctx.Err() != nil {
				break
			}
			_ = p.ProcessJob(ctx, jobID)
		}
		return len(pending), ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.poolSize)
	for _, jobID := range pending {
		if gctx.Err() != nil {
			break
		}
		jobID := jobID
		g.Go(func() error {
			_ = p.ProcessJob(gctx, jobID)
			return nil
		})
	}
	_ = g.Wait()
	return len(pending), ctx.Err()
}

// Run scans every pollInterval until ctx is cancelled. Scan errors are
// logged and the loop keeps going.
func (p *Processor) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger.Info(ctx, "processor started",
		zap.String("storage_root", p.store.Root()),
		zap.Duration("poll_interval", pollInterval),
		zap.Int("pool_size", p.poolSize),
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "processor stopped")
			return nil
		case <-timer.C:
		}
		processed, err := p.runOnceSafe(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error(ctx, "processor scan failed", zap.Error(err))
		}
		if processed > 0 {
			logger.Info(ctx, "processed jobs", zap.Int("count", processed))
		}
		timer.Reset(pollInterval)
	}
}

func (p *Processor) runOnceSafe(ctx context.Context) (processed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = appErr.Newf(appErr.UnexpectedError, "scan panicked: %v", r)
		}
	}()
	return p.RunOnce(ctx)
}

// ProcessJob runs one job to a terminal state. It returns the error recorded
// on the job, or nil when the job completed or was not eligible.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) error {
	ctx = logger.WithJobID(ctx, jobID)
	if !p.store.JobExists(jobID) {
		logger.Warn(ctx, "job directory not found")
		return nil
	}
	if p.store.HasArtifact(jobID, model.ResultAnalysis) {
		logger.Debug(ctx, "job already completed")
		return nil
	}
	if p.poolSize > 1 {
		claimed, err := p.store.Claim(jobID)
		if err != nil {
			logger.Warn(ctx, "claim job failed", zap.Error(err))
			return nil
		}
		if !claimed {
			return nil
		}
		defer func() {
			if err := p.store.Release(jobID); err != nil {
				logger.Warn(ctx, "release job claim failed", zap.Error(err))
			}
		}()
	}

	if err := p.store.WriteStatus(jobID, model.JobProcessing, ""); err != nil {
		logger.Error(ctx, "mark job processing failed", zap.Error(err))
		return err
	}
	logger.Info(ctx, "processing job")
	start := p.now()

	robotVersion, jobErr := p.executeSafe(ctx, jobID)

	status := model.JobCompleted
	message := ""
	if jobErr != nil {
		status = model.JobFailed
		message = failedStatusPrefix + jobErr.Error()
		logger.Error(ctx, "job failed", zap.Error(jobErr), zap.Int("error_code", int(appErr.GetCode(jobErr))))
	}
	if err := p.store.WriteStatus(jobID, status, message); err != nil {
		logger.Error(ctx, "write terminal status failed", zap.Error(err))
		return err
	}
	if jobErr == nil {
		logger.Info(ctx, "job completed")
	}
	p.metrics.ObserveJob(string(status), p.now().Sub(start))
	p.afterTerminal(context.WithoutCancel(ctx), jobID, status, robotVersion, message)
	return jobErr
}

// executeSafe converts a panic inside job execution into an UnexpectedError
// so one job can never stop the scan.
func (p *Processor) executeSafe(ctx context.Context, jobID string) (robotVersion string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = appErr.Newf(appErr.UnexpectedError, "%v", r)
		}
	}()
	return p.execute(ctx, jobID)
}

func (p *Processor) execute(ctx context.Context, jobID string) (string, error) {
	meta, err := p.store.ReadMetadata(jobID)
	if err != nil {
		return "", err
	}
	if meta.RobotVersion == "" {
		return "", appErr.New(appErr.MissingVersionMetadata)
	}
	robotVersion := meta.RobotVersion
	ctx = logger.WithRobotVersion(ctx, robotVersion)
	logger.Info(ctx, "job requires robot server version")

	descriptor, err := p.registry.Resolve(robotVersion)
	if err != nil {
		return robotVersion, err
	}

	envStart := p.now()
	python, err := p.provisioner.EnsureReady(ctx, descriptor)
	p.metrics.ObserveEnvironment(descriptor.Name, err, p.now().Sub(envStart))
	if err != nil {
		return robotVersion, err
	}

	files, err := p.store.LocateFiles(jobID)
	if err != nil {
		return robotVersion, err
	}
	if files.ProtocolFile == "" {
		return robotVersion, p.recordMissingProtocol(files, robotVersion)
	}

	params, err := p.params.Resolve(ctx, meta, files)
	if err != nil {
		return robotVersion, err
	}

	// A launched tool runs to completion or until its own timeout; shutdown
	// only stops tools from being started. The job stays eligible for the
	// next scan because no analysis artifact is written.
	if err := ctx.Err(); err != nil {
		return robotVersion, appErr.Wrapf(err, appErr.ServiceUnavailable, "processor is shutting down")
	}
	toolCtx := context.WithoutCancel(ctx)
	analysis, toolErr := p.runAnalysis(toolCtx, python, files, robotVersion, params)
	if err := p.store.WriteArtifact(jobID, model.ResultAnalysis, analysis); err != nil {
		return robotVersion, err
	}
	if toolErr != nil {
		skipped := model.NewSkippedSimulation(files, robotVersion, "Simulation skipped because analysis did not complete.")
		if err := p.store.WriteArtifact(jobID, model.ResultSimulation, skipped); err != nil {
			logger.Warn(ctx, "write skipped simulation failed", zap.Error(err))
		}
		return robotVersion, toolErr
	}

	simulation := p.runSimulationSafe(toolCtx, python, files, robotVersion, params)
	if err := p.store.WriteArtifact(jobID, model.ResultSimulation, simulation); err != nil {
		return robotVersion, err
	}
	return robotVersion, nil
}

func (p *Processor) recordMissingProtocol(files model.JobFiles, robotVersion string) error {
	jobErr := appErr.New(appErr.InvalidUpload).WithMessage("No protocol file found")
	for _, stage := range []model.ResultType{model.ResultAnalysis, model.ResultSimulation} {
		artifact := model.NewErrorArtifact(files, robotVersion, stage, int(appErr.InvalidUpload), jobErr.Message)
		if err := p.store.WriteArtifact(files.JobID, stage, artifact); err != nil {
			return err
		}
	}
	return jobErr
}

// afterTerminal archives the job and announces its final state. Both are
// optional and failures only get logged.
func (p *Processor) afterTerminal(ctx context.Context, jobID string, status model.JobStatus, robotVersion, message string) {
	archiveKey := ""
	if p.archiver != nil {
		dir, err := p.store.JobDir(jobID)
		if err == nil {
			archiveKey, err = p.archiver.Archive(ctx, jobID, dir)
		}
		if err != nil {
			logger.Warn(ctx, "archive job failed", zap.Error(err))
			archiveKey = ""
		}
	}
	if p.publisher == nil {
		return
	}
	event := model.StatusEvent{
		Type:         model.StatusEventFinal,
		JobID:        jobID,
		Status:       status,
		RobotVersion: robotVersion,
		Error:        message,
		ArchiveKey:   archiveKey,
		CreatedAt:    p.now().Unix(),
	}
	if err := p.publisher.PublishFinalStatus(ctx, event); err != nil {
		logger.Warn(ctx, "publish final status failed", zap.Error(err))
	}
}
