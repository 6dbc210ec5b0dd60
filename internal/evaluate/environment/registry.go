package environment

import (
	"fmt"
	"os"
	"sort"
	"strings"

	appErr "protoeval/pkg/errors"

	"gopkg.in/yaml.v3"
)

// NextVersion is the floating entry that tracks the latest pre-release build.
const NextVersion = "next"

// Descriptor describes one isolated execution environment.
type Descriptor struct {
	Version       string   `yaml:"version" json:"version"`
	PythonVersion string   `yaml:"pythonVersion" json:"python_version"`
	InstallSpecs  []string `yaml:"installSpecs" json:"install_specs"`
	Name          string   `yaml:"name" json:"name"`
}

// Registry is an immutable version table. Lookups are safe for concurrent use.
type Registry struct {
	order       []string
	descriptors map[string]Descriptor
	protocolAPI map[string]string
}

// DefaultDescriptors returns the built-in table in listing order.
func DefaultDescriptors() []Descriptor {
	pinned := []string{"8.0.0", "8.2.0", "8.3.0", "8.4.0", "8.5.0", "8.6.0", "8.7.0"}
	out := make([]Descriptor, 0, len(pinned)+1)
	for _, version := range pinned {
		out = append(out, Descriptor{
			Version:       version,
			PythonVersion: "3.10",
			InstallSpecs:  []string{"opentrons==" + version},
			Name:          "opentrons-" + version,
		})
	}
	out = append(out, Descriptor{
		Version:       NextVersion,
		PythonVersion: "3.10",
		InstallSpecs:  []string{"opentrons==8.8.0a9"},
		Name:          "opentrons-next",
	})
	return out
}

// DefaultProtocolAPIVersions maps protocol API levels to robot stack versions.
func DefaultProtocolAPIVersions() map[string]string {
	return map[string]string{
		"2.20": "8.0.0",
		"2.21": "8.2.0",
		"2.22": "8.3.0",
		"2.23": "8.4.0",
		"2.24": "8.5.0",
		"2.25": "8.6.0",
		"2.26": "8.7.0",
		"2.27": NextVersion,
	}
}

// NewDefaultRegistry builds the registry from the built-in table.
func NewDefaultRegistry() *Registry {
	registry, err := NewRegistry(DefaultDescriptors(), DefaultProtocolAPIVersions())
	if err != nil {
		panic(err)
	}
	return registry
}

// NewRegistry validates and freezes a descriptor table.
func NewRegistry(descriptors []Descriptor, protocolAPI map[string]string) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("environment table is empty")
	}
	r := &Registry{
		order:       make([]string, 0, len(descriptors)),
		descriptors: make(map[string]Descriptor, len(descriptors)),
		protocolAPI: make(map[string]string, len(protocolAPI)),
	}
	names := make(map[string]string, len(descriptors))
	nextCount := 0
	for _, d := range descriptors {
		d.Version = strings.TrimSpace(d.Version)
		if d.Version == "" {
			return nil, fmt.Errorf("environment version is required")
		}
		if _, ok := r.descriptors[d.Version]; ok {
			return nil, fmt.Errorf("duplicate environment version %q", d.Version)
		}
		if d.Name == "" {
			d.Name = "opentrons-" + d.Version
		}
		if strings.ContainsAny(d.Name, `/\`) || d.Name == "." || d.Name == ".." {
			return nil, fmt.Errorf("environment %s has invalid name %q", d.Version, d.Name)
		}
		if other, ok := names[d.Name]; ok {
			return nil, fmt.Errorf("environments %s and %s share name %q", other, d.Version, d.Name)
		}
		if len(d.InstallSpecs) == 0 {
			return nil, fmt.Errorf("environment %s has no install specs", d.Version)
		}
		for _, spec := range d.InstallSpecs {
			if strings.TrimSpace(spec) == "" {
				return nil, fmt.Errorf("environment %s has an empty install spec", d.Version)
			}
		}
		if d.Version == NextVersion {
			nextCount++
		}
		d.InstallSpecs = append([]string(nil), d.InstallSpecs...)
		names[d.Name] = d.Version
		r.descriptors[d.Version] = d
		r.order = append(r.order, d.Version)
	}
	if nextCount != 1 {
		return nil, fmt.Errorf("environment table must contain exactly one %q entry", NextVersion)
	}
	for api, version := range protocolAPI {
		if _, ok := r.descriptors[version]; !ok {
			return nil, fmt.Errorf("protocol api %s maps to unknown version %s", api, version)
		}
		r.protocolAPI[api] = version
	}
	return r, nil
}

// registryFile is the YAML shape accepted by LoadRegistryFile.
type registryFile struct {
	Environments        []Descriptor      `yaml:"environments"`
	ProtocolAPIVersions map[string]string `yaml:"protocolApiVersions"`
}

// LoadRegistryFile reads a table from YAML. Missing sections fall back to defaults.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environment table failed: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse environment table failed: %w", err)
	}
	if len(file.Environments) == 0 {
		file.Environments = DefaultDescriptors()
	}
	if file.ProtocolAPIVersions == nil {
		file.ProtocolAPIVersions = DefaultProtocolAPIVersions()
	}
	return NewRegistry(file.Environments, file.ProtocolAPIVersions)
}

// Resolve returns the descriptor for a version id.
func (r *Registry) Resolve(version string) (Descriptor, error) {
	d, ok := r.descriptors[version]
	if !ok {
		return Descriptor{}, appErr.Newf(appErr.UnsupportedVersion,
			"Unsupported robot server version: %s. Supported versions: %s",
			version, strings.Join(r.order, ", "))
	}
	d.InstallSpecs = append([]string(nil), d.InstallSpecs...)
	return d, nil
}

// Supports reports whether version is in the table.
func (r *Registry) Supports(version string) bool {
	_, ok := r.descriptors[version]
	return ok
}

// Versions lists supported versions in table order.
func (r *Registry) Versions() []string {
	return append([]string(nil), r.order...)
}

// ProtocolAPIVersions returns a copy of the protocol API level mapping.
func (r *Registry) ProtocolAPIVersions() map[string]string {
	out := make(map[string]string, len(r.protocolAPI))
	for k, v := range r.protocolAPI {
		out[k] = v
	}
	return out
}

// ProtocolAPILevels lists the protocol API levels in ascending order.
func (r *Registry) ProtocolAPILevels() []string {
	levels := make([]string, 0, len(r.protocolAPI))
	for k := range r.protocolAPI {
		levels = append(levels, k)
	}
	sort.Slice(levels, func(i, j int) bool {
		return compareDotted(levels[i], levels[j]) < 0
	})
	return levels
}

// compareDotted orders "2.9" before "2.20".
func compareDotted(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			fmt.Sscanf(pa[i], "%d", &x)
		}
		if i < len(pb) {
			fmt.Sscanf(pb[i], "%d", &y)
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}
