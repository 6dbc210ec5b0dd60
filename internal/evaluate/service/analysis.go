package service

import (
	"context"
	"strings"
	"time"

	"protoeval/internal/evaluate/executor"
	"protoeval/internal/evaluate/model"
	"protoeval/internal/evaluate/runtimeparams"
	appErr "protoeval/pkg/errors"
	"protoeval/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	toolAnalyzer  = "analyzer"
	toolSimulator = "simulator"

	analysisDecodeFailure = "Failed to decode JSON output"
)

// runAnalysis invokes the analyzer and returns the artifact to persist. The
// returned error is non-nil only when the analyzer produced no result at all
// (timeout or launch failure); the artifact then records that error.
func (p *Processor) runAnalysis(ctx context.Context, python string, files model.JobFiles, robotVersion string, params runtimeparams.Params) (model.Artifact, error) {
	valuesJSON, err := params.ValuesJSON()
	if err != nil {
		return p.analysisError(files, robotVersion, err), err
	}
	filesJSON, err := params.FilesJSON()
	if err != nil {
		return p.analysisError(files, robotVersion, err), err
	}

	cmd := executor.Command{
		Path: python,
		Args: []string{
			p.analyzeScript,
			files.ProtocolFile,
			strings.Join(files.LabwareFiles, ","),
			valuesJSON,
			filesJSON,
		},
		Dir:     files.JobDir,
		Timeout: p.analysisTimeout,
	}
	logger.Info(ctx, "running analysis",
		zap.String("python", python),
		zap.String("protocol", files.ProtocolFile),
		zap.Int("labware_count", len(files.LabwareFiles)),
		zap.Bool("csv_bound", len(params.Files) > 0),
	)

	result, runErr := p.runner.Run(ctx, cmd)
	p.metrics.ObserveTool(toolAnalyzer, toolOutcome(result, runErr), result.Duration())
	if runErr != nil {
		var jobErr *appErr.Error
		if appErr.Is(runErr, appErr.ExternalToolTimeout) {
			jobErr = appErr.Newf(appErr.ExternalToolTimeout, "Analysis timed out after %d seconds", seconds(p.analysisTimeout))
		} else {
			jobErr = appErr.Newf(appErr.ExternalToolError, "Analysis failed with error: %s", runErr.Error())
		}
		return p.analysisError(files, robotVersion, jobErr), jobErr
	}

	document, decoded := executor.DecodeDocument(result.Stdout, result.Stderr, analysisDecodeFailure)
	if !decoded {
		logger.Warn(ctx, "analyzer output was not JSON", zap.Int("exit_code", result.ExitCode))
	}
	meta := model.RunMetadata{
		RobotVersion:    robotVersion,
		ProcessedAt:     model.Timestamp(p.now()),
		PythonPath:      python,
		ExitCode:        result.ExitCode,
		StartedAt:       model.Timestamp(result.Started),
		FinishedAt:      model.Timestamp(result.Finished),
		DurationMs:      result.Duration().Milliseconds(),
		CSVParameterMap: params.Files,
	}
	return model.NewAnalysisArtifact(files, robotVersion, document, string(result.Stderr), meta), nil
}

func (p *Processor) analysisError(files model.JobFiles, robotVersion string, err error) model.Artifact {
	return model.NewErrorArtifact(files, robotVersion, model.ResultAnalysis, int(appErr.GetCode(err)), err.Error())
}

func toolOutcome(result executor.Result, err error) string {
	switch {
	case appErr.Is(err, appErr.ExternalToolTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case result.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}
