// Package loader discovers module artifacts in a directory and instantiates
// the module units they contain.
//
// An artifact is a zip archive carrying a module.yml descriptor document and,
// optionally, the shared objects exporting the entrypoints. Artifacts are
// loaded one at a time; ordering is left to the caller once every artifact
// has been processed.
package loader

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"modbot/module"
	"modbot/resolver"
)

// ErrDuplicateModule is recorded when two units share a name
var ErrDuplicateModule = errors.New("duplicate module")

// SourceBuiltin is the Source of modules compiled into the host
const SourceBuiltin = "builtin"

// Loaded is a module unit ready for the lifecycle
type Loaded struct {
	Descriptor module.Descriptor
	Module     module.Module
	// Source is the artifact path, or SourceBuiltin
	Source string
}

// Result holds every unit discovered in one pass
type Result struct {
	Modules []*Loaded
	// Graph has an entry for every loaded module
	Graph resolver.Graph
	// Errors lists the artifacts and units that were skipped
	Errors []error
}

// Get returns the unit named name
func (r *Result) Get(name string) (*Loaded, bool) {
	for _, l := range r.Modules {
		if l.Descriptor.Name == name {
			return l, true
		}
	}
	return nil, false
}

// Loader scans a directory for module artifacts
type Loader struct {
	dir       string
	factories *module.Registry
	opener    Opener
	builtins  bool
	logger    *slog.Logger
}

// Option configures a Loader
type Option func(*Loader)

// WithLogger sets the loader logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithFactories sets the registry used for builtins and registered
// entrypoints. Defaults to the global registry.
func WithFactories(reg *module.Registry) Option {
	return func(l *Loader) {
		if reg != nil {
			l.factories = reg
		}
	}
}

// WithOpener replaces the artifact opener
func WithOpener(o Opener) Option {
	return func(l *Loader) {
		if o != nil {
			l.opener = o
		}
	}
}

// WithBuiltins controls whether builtin modules are part of the result
func WithBuiltins(enabled bool) Option {
	return func(l *Loader) {
		l.builtins = enabled
	}
}

// WithCacheDir sets where shared objects are extracted to
func WithCacheDir(dir string) Option {
	return func(l *Loader) {
		if d, ok := l.opener.(DefaultOpener); ok {
			d.Plugins.CacheDir = dir
			l.opener = d
		}
	}
}

// New creates a loader for dir
func New(dir string, opts ...Option) *Loader {
	l := &Loader{
		dir:       dir,
		factories: module.GetRegistry(),
		builtins:  true,
		logger:    slog.Default(),
	}
	l.opener = DefaultOpener{
		Plugins: PluginOpener{CacheDir: filepath.Join(dir, ".cache")},
	}
	for _, opt := range opts {
		opt(l)
	}
	if d, ok := l.opener.(DefaultOpener); ok && d.Registry.Registry == nil {
		d.Registry.Registry = l.factories
		l.opener = d
	}
	l.logger = l.logger.With("component", "loader")
	return l
}

// Dir returns the scanned directory
func (l *Loader) Dir() string {
	return l.dir
}

// Discover loads builtins and every artifact directly inside the directory,
// creating it when absent. A broken artifact or unit is logged and skipped;
// only failing to read the directory is an error.
func (l *Loader) Discover(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create modules directory: %w", err)
	}

	res := &Result{Graph: resolver.Graph{}}

	if l.builtins {
		for _, b := range l.factories.Builtins() {
			m, err := construct(b.Factory)
			if err != nil {
				l.skip(res, fmt.Errorf("builtin %s: %w", b.Descriptor.Name, err))
				continue
			}
			l.add(res, &Loaded{Descriptor: b.Descriptor, Module: m, Source: SourceBuiltin})
		}
	}

	artifacts, err := l.artifacts()
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		l.logger.Warn("no module artifacts found", "dir", l.dir)
	}

	for _, path := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		units, err := l.loadArtifact(ctx, path, res)
		if err != nil {
			l.skip(res, fmt.Errorf("artifact %s: %w", filepath.Base(path), err))
			continue
		}
		if units == 0 {
			l.logger.Warn("artifact contains no valid modules", "artifact", filepath.Base(path))
		}
	}

	l.logger.Info("discovery complete", "modules", len(res.Modules), "skipped", len(res.Errors))
	return res, nil
}

// artifacts lists the archives directly inside the directory, sorted by name
func (l *Loader) artifacts() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read modules directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			continue
		}
		paths = append(paths, filepath.Join(l.dir, e.Name()))
	}
	return paths, nil
}

// loadArtifact adds the units of one archive to res and returns how many
// were added
func (l *Loader) loadArtifact(ctx context.Context, path string, res *Result) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	f, err := zr.Open(module.DescriptorFile)
	if err != nil {
		return 0, fmt.Errorf("%w: %s not found", module.ErrInvalidDescriptor, module.DescriptorFile)
	}
	descriptors, invalid, err := module.ParseDescriptors(f)
	f.Close()
	if err != nil {
		return 0, err
	}
	for _, err := range invalid {
		l.skip(res, fmt.Errorf("artifact %s: %w", filepath.Base(path), err))
	}
	if len(descriptors) == 0 {
		return 0, nil
	}

	art := &Artifact{Path: path, Descriptors: descriptors, files: &zr.Reader}
	lib, err := l.opener.Open(ctx, art)
	art.files = nil
	if err != nil {
		return 0, err
	}

	added := 0
	for _, d := range descriptors {
		factory, err := lib.Lookup(d)
		if err != nil {
			l.skip(res, fmt.Errorf("module %s: %w", d.Name, err))
			continue
		}
		m, err := construct(factory)
		if err != nil {
			l.skip(res, fmt.Errorf("module %s: %w", d.Name, err))
			continue
		}
		if l.add(res, &Loaded{Descriptor: d, Module: m, Source: path}) {
			added++
		}
	}
	return added, nil
}

// add appends a unit unless its name is taken. The first unit wins.
func (l *Loader) add(res *Result, unit *Loaded) bool {
	name := unit.Descriptor.Name
	if prev, ok := res.Get(name); ok {
		l.skip(res, fmt.Errorf("%w: %s from %s, already loaded from %s",
			ErrDuplicateModule, name, unit.Source, prev.Source))
		return false
	}

	res.Modules = append(res.Modules, unit)
	res.Graph.Add(name, unit.Descriptor.Dependencies...)
	l.logger.Info("loaded module",
		"module", name,
		"version", unit.Descriptor.Version,
		"source", filepath.Base(unit.Source))
	return true
}

func (l *Loader) skip(res *Result, err error) {
	res.Errors = append(res.Errors, err)
	l.logger.Error("skipped module", "err", err)
}

// construct calls a factory, turning panics into errors
func construct(f module.Factory) (m module.Module, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("constructor panic: %v", rec)
		}
	}()

	m, err = f()
	if err != nil {
		return nil, fmt.Errorf("constructor failed: %w", err)
	}
	if m == nil {
		return nil, errors.New("constructor returned no module")
	}
	return m, nil
}
