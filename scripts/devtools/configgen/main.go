// Command configgen renders the per-binary YAML configs of a local deployment
// from the checked-in base files and one profile of overrides.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Shared    SharedProfile             `yaml:"shared"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

// SharedProfile holds settings the binaries must agree on.
type SharedProfile struct {
	JobsRoot string `yaml:"jobsRoot"`
	APIAddr  string `yaml:"apiAddr"`
}

type ServiceProfile struct {
	Base      string   `yaml:"base"`
	Output    string   `yaml:"output"`
	Overrides document `yaml:"overrides"`
}

type document = map[string]any

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "profile to render")
	outputDir := flag.String("output-dir", "", "write configs here instead of the profile's outputDir")
	flag.Parse()

	if err := run(*profilePath, *outputDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(profilePath, outputDir string) error {
	profilePath, err := filepath.Abs(profilePath)
	if err != nil {
		return err
	}
	var profile Profile
	if err := readYAML(profilePath, &profile); err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if len(profile.Services) == 0 {
		return errors.New("profile lists no services")
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return errors.New("output directory is required")
	}
	baseDir := filepath.Dir(profilePath)
	outDir := relativeTo(baseDir, profile.OutputDir)

	names := make([]string, 0, len(profile.Services))
	for name := range profile.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := render(name, profile.Services[name], profile.Shared, baseDir, outDir); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func render(name string, svc ServiceProfile, shared SharedProfile, baseDir, outDir string) error {
	if svc.Base == "" {
		return errors.New("base config is required")
	}
	basePath := relativeTo(baseDir, svc.Base)
	var doc document
	if err := readYAML(basePath, &doc); err != nil {
		return fmt.Errorf("load base: %w", err)
	}
	if doc == nil {
		doc = document{}
	}
	overlay(doc, svc.Overrides)
	for path, value := range sharedValues(name, shared) {
		if err := setPath(doc, path, value); err != nil {
			return err
		}
	}

	output := svc.Output
	if output == "" {
		output = filepath.Base(basePath)
	}
	return writeYAML(relativeTo(outDir, output), doc)
}

// sharedValues lists the dotted config paths a service takes from the
// shared block.
func sharedValues(service string, shared SharedProfile) map[string]any {
	values := map[string]any{}
	switch service {
	case "evaluate-api", "evaluate-processor":
		if shared.JobsRoot != "" {
			values["storage.jobsRoot"] = shared.JobsRoot
		}
		if service == "evaluate-api" && shared.APIAddr != "" {
			values["server.addr"] = shared.APIAddr
		}
	case "cli":
		if shared.APIAddr != "" {
			values["baseURL"] = "http://" + shared.APIAddr
		}
	}
	return values
}

// overlay merges src into dst; nested maps merge, anything else replaces.
func overlay(dst, src document) {
	for key, value := range src {
		child, isMap := value.(document)
		existing, hasMap := dst[key].(document)
		if isMap && hasMap {
			overlay(existing, child)
			continue
		}
		dst[key] = value
	}
}

func setPath(doc document, path string, value any) error {
	keys := strings.Split(path, ".")
	for _, key := range keys[:len(keys)-1] {
		switch next := doc[key].(type) {
		case document:
			doc = next
		case nil:
			child := document{}
			doc[key] = child
			doc = child
		default:
			return fmt.Errorf("%s: %q is not a mapping", path, key)
		}
	}
	doc[keys[len(keys)-1]] = value
	return nil
}

func relativeTo(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func writeYAML(path string, doc document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
