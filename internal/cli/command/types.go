package command

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FieldType describes input type.
type FieldType int

const (
	FieldString FieldType = iota
	FieldChoice
	FieldJSON
	FieldFile
	FieldFileList
)

// Placement says where a field ends up in the request.
type Placement int

const (
	InPath Placement = iota
	InQuery
	InForm
)

// Field defines a CLI input field.
type Field struct {
	Name       string
	Aliases    []string
	Prompt     string
	Type       FieldType
	Required   bool
	Positional bool
	Choices    []string
	Default    string
	Target     string
	Placement  Placement
}

// Command defines a CLI command binding.
type Command struct {
	Name         string
	Usage        string
	Method       string
	PathTemplate string
	Multipart    bool
	Fields       []Field
}

// FilePart is a local file sent as a multipart form file.
type FilePart struct {
	Field string
	Path  string
}

// RequestSpec is the built HTTP request.
type RequestSpec struct {
	Method string
	Path   string
	Form   map[string]string
	Files  []FilePart
}

// Params holds parsed input params.
type Params map[string]string

func (p Params) Get(key string) string {
	return p[strings.ToLower(key)]
}

func (p Params) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

func (p Params) Has(key string) bool {
	_, ok := p[strings.ToLower(key)]
	return ok
}

func (p Params) Canonicalize(fields []Field) {
	for _, field := range fields {
		for _, alias := range field.Aliases {
			aliasKey := strings.ToLower(alias)
			if value, ok := p[aliasKey]; ok {
				p[strings.ToLower(field.Name)] = value
				delete(p, aliasKey)
			}
		}
	}
}

// ParseArgs splits tokens into key=value params, assigning bare tokens to
// positional fields in declaration order.
func ParseArgs(cmd Command, tokens []string) (Params, error) {
	params := Params{}
	var positional []Field
	for _, field := range cmd.Fields {
		if field.Positional {
			positional = append(positional, field)
		}
	}
	next := 0
	for _, token := range tokens {
		if key, value, ok := strings.Cut(token, "="); ok && key != "" {
			params.Set(key, value)
			continue
		}
		if next >= len(positional) {
			return nil, fmt.Errorf("unexpected argument: %s", token)
		}
		params.Set(positional[next].Name, token)
		next++
	}
	params.Canonicalize(cmd.Fields)
	return params, nil
}

func ParseStringList(value string) []string {
	raw := strings.Split(value, ",")
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// ParseSeconds accepts a Go duration ("2s") or a bare number of seconds ("1.5").
func ParseSeconds(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("duration must be positive: %s", value)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %s", value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", value)
	}
	return d, nil
}

func CheckFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("read file failed: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func ParseJSON(value string) (json.RawMessage, error) {
	raw := strings.TrimSpace(value)
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("invalid json content")
	}
	return json.RawMessage(raw), nil
}
