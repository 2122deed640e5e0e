package module

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DescriptorFile is the name of the descriptor embedded in every artifact
const DescriptorFile = "module.yml"

// DefaultEntrypoint is the factory symbol used when a descriptor names none
const DefaultEntrypoint = "NewModule"

// ErrInvalidDescriptor is returned for descriptors that cannot identify a module
var ErrInvalidDescriptor = errors.New("invalid module descriptor")

// Priority orders modules the dependency graph leaves independent
type Priority int

const (
	VeryHigh Priority = iota
	High
	Default
	Low
	VeryLow
)

var priorityNames = map[Priority]string{
	VeryHigh: "VERY_HIGH",
	High:     "HIGH",
	Default:  "DEFAULT",
	Low:      "LOW",
	VeryLow:  "VERY_LOW",
}

// String returns the descriptor spelling of the priority
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// IsValid checks if the Priority is a valid enum value
func (p Priority) IsValid() bool {
	_, ok := priorityNames[p]
	return ok
}

// Compare returns a negative number when p starts before other
func (p Priority) Compare(other Priority) int {
	return int(p) - int(other)
}

// ParsePriority maps a descriptor value to a Priority. Matching is
// case-sensitive; unknown or empty values yield Default.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return Default
}

// Descriptor is the static metadata of one module
type Descriptor struct {
	Name         string
	Version      string
	Description  string
	Authors      []string
	Dependencies []string
	Priority     Priority

	// Entrypoint is the factory symbol resolved inside the artifact
	Entrypoint string

	// Library is the shared object inside the artifact that exports the
	// entrypoint. Empty means the entrypoint is a registered factory.
	Library string
}

// Validate checks the invariants every discovered module must satisfy
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDescriptor)
	}
	// the name doubles as the module's data directory
	if strings.ContainsAny(d.Name, `/\`) || strings.Contains(d.Name, "..") || d.Name == "." {
		return fmt.Errorf("%w: name %q is not a plain directory name", ErrInvalidDescriptor, d.Name)
	}
	if slices.Contains(d.Dependencies, d.Name) {
		return fmt.Errorf("%w: %s depends on itself", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

// String returns "name version"
func (d Descriptor) String() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + " " + d.Version
}

// rawDescriptor mirrors the YAML document
type rawDescriptor struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description"`
	Author       string   `yaml:"author"`
	Authors      []string `yaml:"authors"`
	Priority     string   `yaml:"priority"`
	Dependencies []string `yaml:"dependencies"`
	Entrypoint   string   `yaml:"entrypoint"`
	Library      string   `yaml:"library"`
}

type rawDocument struct {
	rawDescriptor `yaml:",inline"`
	Modules       []rawDescriptor `yaml:"modules"`
}

func (r rawDescriptor) descriptor() Descriptor {
	var authors []string
	if r.Author != "" {
		authors = append(authors, r.Author)
	}
	for _, a := range r.Authors {
		if a != "" && !slices.Contains(authors, a) {
			authors = append(authors, a)
		}
	}

	deps := make([]string, 0, len(r.Dependencies))
	for _, dep := range r.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep != "" {
			deps = append(deps, dep)
		}
	}
	slices.Sort(deps)
	deps = slices.Compact(deps)

	entrypoint := r.Entrypoint
	if entrypoint == "" {
		entrypoint = DefaultEntrypoint
	}

	return Descriptor{
		Name:         strings.TrimSpace(r.Name),
		Version:      r.Version,
		Description:  r.Description,
		Authors:      authors,
		Dependencies: deps,
		Priority:     ParsePriority(r.Priority),
		Entrypoint:   entrypoint,
		Library:      r.Library,
	}
}

// ParseDescriptors reads an embedded descriptor document. The document is
// either a single descriptor or a "modules" list, one entry per module unit
// in the artifact. Entries that fail validation are returned as errors
// alongside the valid ones.
func ParseDescriptors(r io.Reader) ([]Descriptor, []error, error) {
	var doc rawDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: empty document", ErrInvalidDescriptor)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	raws := doc.Modules
	if len(raws) == 0 {
		raws = []rawDescriptor{doc.rawDescriptor}
	}

	var (
		descriptors []Descriptor
		invalid     []error
	)
	for i, raw := range raws {
		d := raw.descriptor()
		if err := d.Validate(); err != nil {
			invalid = append(invalid, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		descriptors = append(descriptors, d)
	}

	return descriptors, invalid, nil
}
