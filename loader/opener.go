package loader

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"modbot/module"
)

// ErrEntrypointNotFound is returned when an artifact names a factory that
// its library does not provide
var ErrEntrypointNotFound = errors.New("entrypoint not found")

// Artifact is one archive being loaded. It is only valid during Open.
type Artifact struct {
	Path        string
	Descriptors []module.Descriptor

	files *zip.Reader
}

// Name returns the archive file name without its extension
func (a *Artifact) Name() string {
	return strings.TrimSuffix(filepath.Base(a.Path), filepath.Ext(a.Path))
}

// File opens an entry of the archive
func (a *Artifact) File(name string) (io.ReadCloser, error) {
	if a.files == nil {
		return nil, fmt.Errorf("artifact %s is closed", a.Path)
	}
	return a.files.Open(name)
}

// Library resolves module factories for a single artifact. Each artifact
// gets its own library, so an artifact only ever sees its own symbols.
type Library interface {
	Lookup(d module.Descriptor) (module.Factory, error)
}

// Opener creates the library of an artifact
type Opener interface {
	Open(ctx context.Context, art *Artifact) (Library, error)
}

// RegistryOpener resolves entrypoints against factories compiled into the
// host binary
type RegistryOpener struct {
	Registry *module.Registry
}

func (o RegistryOpener) Open(_ context.Context, art *Artifact) (Library, error) {
	reg := o.Registry
	if reg == nil {
		reg = module.GetRegistry()
	}

	allowed := make(map[string]bool, len(art.Descriptors))
	for _, d := range art.Descriptors {
		allowed[d.Entrypoint] = true
	}
	return &registryLibrary{registry: reg, allowed: allowed}, nil
}

type registryLibrary struct {
	registry *module.Registry
	allowed  map[string]bool
}

func (l *registryLibrary) Lookup(d module.Descriptor) (module.Factory, error) {
	if !l.allowed[d.Entrypoint] {
		return nil, fmt.Errorf("%w: %s is not declared by this artifact", ErrEntrypointNotFound, d.Entrypoint)
	}
	f, ok := l.registry.Factory(d.Entrypoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntrypointNotFound, d.Entrypoint)
	}
	return f, nil
}

// PluginOpener extracts the shared objects an artifact ships into CacheDir
// and opens them with the plugin package. Entrypoints must be exported
// functions of type func() (module.Module, error) or func() module.Module.
type PluginOpener struct {
	CacheDir string
}

func (o PluginOpener) Open(ctx context.Context, art *Artifact) (Library, error) {
	lib := &pluginLibrary{plugins: make(map[string]*plugin.Plugin)}

	for _, d := range art.Descriptors {
		if d.Library == "" {
			continue
		}
		if _, ok := lib.plugins[d.Library]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path, err := o.extract(art, d.Library)
		if err != nil {
			return nil, err
		}
		p, err := openPlugin(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open library %s: %w", d.Library, err)
		}
		lib.plugins[d.Library] = p
	}

	return lib, nil
}

// extract copies a library out of the archive, since the dynamic loader
// needs a real file
func (o PluginOpener) extract(art *Artifact, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("library path %q escapes the artifact", name)
	}

	cache := o.CacheDir
	if cache == "" {
		cache = filepath.Join(os.TempDir(), "modbot-libs")
	}
	dest := filepath.Join(cache, art.Name(), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create library cache: %w", err)
	}

	src, err := art.File(name)
	if err != nil {
		return "", fmt.Errorf("library %s not found in artifact: %w", name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return "", fmt.Errorf("failed to extract library: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to extract library: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to extract library: %w", err)
	}

	return dest, nil
}

// plugin.Open keeps a process wide table keyed by path and is not safe to
// race with itself on the same file
var pluginMu sync.Mutex

func openPlugin(path string) (*plugin.Plugin, error) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	return plugin.Open(path)
}

type pluginLibrary struct {
	plugins map[string]*plugin.Plugin
}

func (l *pluginLibrary) Lookup(d module.Descriptor) (module.Factory, error) {
	p, ok := l.plugins[d.Library]
	if !ok {
		return nil, fmt.Errorf("%w: no library for %s", ErrEntrypointNotFound, d.Name)
	}

	sym, err := p.Lookup(d.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrEntrypointNotFound, d.Entrypoint, d.Library)
	}

	switch fn := sym.(type) {
	case func() (module.Module, error):
		return fn, nil
	case *module.Factory:
		return *fn, nil
	case func() module.Module:
		return func() (module.Module, error) { return fn(), nil }, nil
	default:
		return nil, fmt.Errorf("entrypoint %s has unsupported type %T", d.Entrypoint, sym)
	}
}

// DefaultOpener loads descriptors that name a library as plugins and
// resolves the others against the factory registry
type DefaultOpener struct {
	Registry RegistryOpener
	Plugins  PluginOpener
}

func (o DefaultOpener) Open(ctx context.Context, art *Artifact) (Library, error) {
	reg, err := o.Registry.Open(ctx, art)
	if err != nil {
		return nil, err
	}

	needsPlugins := false
	for _, d := range art.Descriptors {
		if d.Library != "" {
			needsPlugins = true
			break
		}
	}
	if !needsPlugins {
		return reg, nil
	}

	plugins, err := o.Plugins.Open(ctx, art)
	if err != nil {
		return nil, err
	}
	return mixedLibrary{registry: reg, plugins: plugins}, nil
}

type mixedLibrary struct {
	registry Library
	plugins  Library
}

func (l mixedLibrary) Lookup(d module.Descriptor) (module.Factory, error) {
	if d.Library != "" {
		return l.plugins.Lookup(d)
	}
	return l.registry.Lookup(d)
}
