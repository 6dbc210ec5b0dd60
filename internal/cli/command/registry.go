package command

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

const (
	defaultRobotVersion = "8.7.0"
	defaultResultType   = "analysis"
)

// Registry returns all HTTP-backed CLI commands keyed by name.
func Registry() map[string]Command {
	commands := []Command{
		{
			Name:         "info",
			Usage:        "info",
			Method:       http.MethodGet,
			PathTemplate: "/info",
		},
		{
			Name:         "submit",
			Usage:        "submit protocol=<file.py> [version=8.7.0] [labware=a.json,b.json] [csv=<file>] [rtp=<json>]",
			Method:       http.MethodPost,
			PathTemplate: "/evaluate",
			Multipart:    true,
			Fields: []Field{
				{Name: "protocol", Aliases: []string{"protocol_file"}, Prompt: "protocol file", Type: FieldFile, Required: true, Target: "protocol_file", Placement: InForm},
				{Name: "version", Aliases: []string{"robot_version"}, Type: FieldString, Default: defaultRobotVersion, Target: "robot_version", Placement: InForm},
				{Name: "labware", Aliases: []string{"labware_files"}, Type: FieldFileList, Target: "labware_files", Placement: InForm},
				{Name: "csv", Aliases: []string{"csv_file"}, Type: FieldFile, Target: "csv_file", Placement: InForm},
				{Name: "rtp", Type: FieldJSON, Target: "rtp", Placement: InForm},
			},
		},
		{
			Name:         "status",
			Usage:        "status [job_id]",
			Method:       http.MethodGet,
			PathTemplate: "/jobs/:id/status",
			Fields: []Field{
				{Name: "id", Aliases: []string{"job", "job_id"}, Prompt: "job_id", Type: FieldString, Required: true, Positional: true, Target: "id", Placement: InPath},
			},
		},
		{
			Name:         "result",
			Usage:        "result [job_id] [analysis|simulation]",
			Method:       http.MethodGet,
			PathTemplate: "/jobs/:id/result",
			Fields: []Field{
				{Name: "id", Aliases: []string{"job", "job_id"}, Prompt: "job_id", Type: FieldString, Required: true, Positional: true, Target: "id", Placement: InPath},
				{Name: "type", Aliases: []string{"result_type"}, Type: FieldChoice, Positional: true, Choices: []string{"analysis", "simulation"}, Default: defaultResultType, Target: "result_type", Placement: InQuery},
			},
		},
	}

	registry := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		registry[cmd.Name] = cmd
	}
	return registry
}

// BuildRequest validates params against cmd and lays them out as an HTTP request.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	spec := RequestSpec{Method: cmd.Method, Path: cmd.PathTemplate}
	query := url.Values{}

	for _, field := range cmd.Fields {
		value := strings.TrimSpace(params.Get(field.Name))
		if value == "" {
			value = field.Default
		}
		if value == "" {
			if field.Required {
				return RequestSpec{}, fmt.Errorf("missing parameter: %s", field.Name)
			}
			continue
		}
		if err := validateField(field, value); err != nil {
			return RequestSpec{}, err
		}

		switch field.Placement {
		case InPath:
			spec.Path = strings.ReplaceAll(spec.Path, ":"+field.Target, url.PathEscape(value))
		case InQuery:
			query.Set(field.Target, value)
		case InForm:
			switch field.Type {
			case FieldFile:
				spec.Files = append(spec.Files, FilePart{Field: field.Target, Path: value})
			case FieldFileList:
				for _, path := range ParseStringList(value) {
					spec.Files = append(spec.Files, FilePart{Field: field.Target, Path: path})
				}
			default:
				if spec.Form == nil {
					spec.Form = map[string]string{}
				}
				spec.Form[field.Target] = value
			}
		}
	}

	if strings.Contains(spec.Path, "/:") {
		return RequestSpec{}, fmt.Errorf("missing path parameter in %s", spec.Path)
	}
	if len(query) > 0 {
		spec.Path += "?" + query.Encode()
	}
	return spec, nil
}

func validateField(field Field, value string) error {
	switch field.Type {
	case FieldChoice:
		if !slices.Contains(field.Choices, value) {
			return fmt.Errorf("invalid %s: %s (want %s)", field.Name, value, strings.Join(field.Choices, "|"))
		}
	case FieldJSON:
		if _, err := ParseJSON(value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.Name, err)
		}
	case FieldFile:
		if err := CheckFile(value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.Name, err)
		}
	case FieldFileList:
		for _, path := range ParseStringList(value) {
			if err := CheckFile(path); err != nil {
				return fmt.Errorf("invalid %s: %w", field.Name, err)
			}
		}
	}
	return nil
}
