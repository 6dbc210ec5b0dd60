package runtimeparams

import (
	"context"
	"encoding/json"
	"os"

	"protoeval/internal/evaluate/model"
	appErr "protoeval/pkg/errors"
	"protoeval/pkg/utils/logger"

	"go.uber.org/zap"
)

// Params are the runtime-parameter arguments handed to the analyzer.
type Params struct {
	Values map[string]interface{}
	Files  map[string]string
}

// ValuesJSON encodes the override map argument.
func (p Params) ValuesJSON() (string, error) {
	return encodeObject(p.Values)
}

// FilesJSON encodes the CSV binding argument.
func (p Params) FilesJSON() (string, error) {
	if p.Files == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p.Files)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidValue, "encode csv parameter binding failed")
	}
	return string(data), nil
}

func encodeObject(values map[string]interface{}) (string, error) {
	if values == nil {
		return "{}", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidValue, "encode runtime parameter overrides failed")
	}
	return string(data), nil
}

// Resolver computes analyzer parameters from job metadata and files.
type Resolver struct {
	readFile func(string) ([]byte, error)
}

// NewResolver creates a resolver that reads protocol sources from disk.
func NewResolver() *Resolver {
	return &Resolver{readFile: os.ReadFile}
}

// Resolve returns the override map and the CSV binding. More than one CSV
// declaration in the protocol is a MultipleCsvParameters error.
func (r *Resolver) Resolve(ctx context.Context, meta model.Metadata, files model.JobFiles) (Params, error) {
	params := Params{
		Values: meta.Overrides(),
		Files:  map[string]string{},
	}
	if files.ProtocolFile == "" || files.CSVFile == "" {
		return params, nil
	}

	source, err := r.readFile(files.ProtocolFile)
	if err != nil {
		logger.Warn(ctx, "read protocol source failed", zap.String("protocol", files.ProtocolFile), zap.Error(err))
		return params, nil
	}
	names, err := FindCSVParameterNames(string(source))
	if err != nil {
		logger.Debug(ctx, "protocol source not scannable, no csv binding", zap.Error(err))
		return params, nil
	}
	switch len(names) {
	case 0:
		return params, nil
	case 1:
		params.Files[names[0]] = files.CSVFile
		return params, nil
	default:
		return Params{}, appErr.New(appErr.MultipleCsvParameters).
			WithDetail("parameters", names)
	}
}
