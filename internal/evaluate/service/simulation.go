package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"protoeval/internal/evaluate/executor"
	"protoeval/internal/evaluate/model"
	"protoeval/internal/evaluate/repository"
	"protoeval/internal/evaluate/runtimeparams"
	appErr "protoeval/pkg/errors"
	"protoeval/pkg/utils/logger"

	"go.uber.org/zap"
)

const simulationDecodeFailure = "Failed to decode simulation JSON output"

// SimulationSkipReason explains why simulation cannot run for the given
// inputs, or returns "" when it can.
func SimulationSkipReason(params runtimeparams.Params, files model.JobFiles) string {
	reasons := make([]string, 0, 2)
	if len(params.Values) > 0 {
		reasons = append(reasons, "runtime parameter overrides are present")
	}
	if files.CSVFile != "" {
		reasons = append(reasons, "runtime parameter CSV input is provided")
	}
	if len(reasons) == 0 {
		return ""
	}
	return "Simulation skipped because " + strings.Join(reasons, " and ") + "."
}

// runSimulationSafe always yields an artifact. Simulation problems are
// recorded in it and never fail the job.
func (p *Processor) runSimulationSafe(ctx context.Context, python string, files model.JobFiles, robotVersion string, params runtimeparams.Params) (artifact model.Artifact) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "simulation panicked", zap.Any("panic", r))
			artifact = model.NewErrorArtifact(files, robotVersion, model.ResultSimulation,
				int(appErr.UnexpectedError), fmt.Sprintf("Simulation failed with unexpected error: %v", r))
		}
	}()

	if reason := SimulationSkipReason(params, files); reason != "" {
		logger.Info(ctx, "simulation skipped", zap.String("reason", reason))
		return model.NewSkippedSimulation(files, robotVersion, reason)
	}
	return p.runSimulation(ctx, python, files, robotVersion)
}

func (p *Processor) runSimulation(ctx context.Context, python string, files model.JobFiles, robotVersion string) model.Artifact {
	searchPaths := labwareSearchPaths(files.JobDir)
	cmd := executor.Command{
		Path:    python,
		Args:    []string{p.simulateScript, files.ProtocolFile, strings.Join(searchPaths, ",")},
		Dir:     files.JobDir,
		Timeout: p.simulationTimeout,
	}
	logger.Info(ctx, "running simulation", zap.String("protocol", files.ProtocolFile), zap.Strings("labware_dirs", searchPaths))

	result, err := p.runner.Run(ctx, cmd)
	p.metrics.ObserveTool(toolSimulator, toolOutcome(result, err), result.Duration())
	if err != nil {
		code := appErr.GetCode(err)
		message := fmt.Sprintf("Simulation failed with error: %s", err.Error())
		if code == appErr.ExternalToolTimeout {
			message = fmt.Sprintf("Simulation timed out after %d seconds", seconds(p.simulationTimeout))
		}
		logger.Warn(ctx, "simulation did not complete", zap.String("error", message))
		return model.NewErrorArtifact(files, robotVersion, model.ResultSimulation, int(code), message)
	}

	document, decoded := executor.DecodeDocument(result.Stdout, result.Stderr, simulationDecodeFailure)
	if !decoded {
		logger.Warn(ctx, "simulator output was not JSON", zap.Int("exit_code", result.ExitCode))
	}
	meta := model.RunMetadata{
		RobotVersion:       robotVersion,
		ProcessedAt:        model.Timestamp(p.now()),
		PythonPath:         python,
		ExitCode:           result.ExitCode,
		StartedAt:          model.Timestamp(result.Started),
		FinishedAt:         model.Timestamp(result.Finished),
		DurationMs:         result.Duration().Milliseconds(),
		LabwareSearchPaths: searchPaths,
	}
	return model.NewSimulationArtifact(files, robotVersion, document, string(result.Stderr), meta)
}

func labwareSearchPaths(jobDir string) []string {
	if jobDir == "" {
		return []string{}
	}
	dir := filepath.Join(jobDir, repository.LabwareDirName)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return []string{dir}
	}
	return []string{}
}
