package loader

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"modbot/module"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testModule struct {
	module.Base
	id string
}

func writeArtifact(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for entry, content := range files {
		w, err := zw.Create(entry)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func testRegistry(t *testing.T) *module.Registry {
	t.Helper()

	reg := module.NewRegistry()
	require.NoError(t, reg.Add("NewGood", func() (module.Module, error) {
		return &testModule{id: "good"}, nil
	}))
	require.NoError(t, reg.Add("NewBroken", func() (module.Module, error) {
		return nil, errors.New("constructor exploded")
	}))
	require.NoError(t, reg.Add("NewPanics", func() (module.Module, error) {
		panic("nil pointer somewhere")
	}))
	require.NoError(t, reg.Add("NewNil", func() (module.Module, error) {
		return nil, nil
	}))
	return reg
}

func newTestLoader(t *testing.T, dir string, reg *module.Registry) *Loader {
	t.Helper()
	return New(dir, WithFactories(reg), WithCacheDir(t.TempDir()))
}

func names(res *Result) []string {
	out := make([]string, 0, len(res.Modules))
	for _, l := range res.Modules {
		out = append(out, l.Descriptor.Name)
	}
	return out
}

func TestDiscoverCreatesMissingDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "modules")
	res, err := newTestLoader(t, dir, module.NewRegistry()).Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Modules)
	assert.Empty(t, res.Graph)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDiscoverSkipsThrowingConstructor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArtifact(t, dir, "a.zip", map[string]string{
		"module.yml": "name: alpha\nversion: 1.0.0\nentrypoint: NewGood\n",
	})
	writeArtifact(t, dir, "b.zip", map[string]string{
		"module.yml": "name: broken\nentrypoint: NewBroken\n",
	})
	writeArtifact(t, dir, "c.zip", map[string]string{
		"module.yml": "name: panicky\nentrypoint: NewPanics\n",
	})
	writeArtifact(t, dir, "d.zip", map[string]string{
		"module.yml": "name: delta\nentrypoint: NewGood\ndependencies: [alpha]\n",
	})

	res, err := newTestLoader(t, dir, testRegistry(t)).Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "delta"}, names(res))
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, []string{}, res.Graph["alpha"])
	assert.Equal(t, []string{"alpha"}, res.Graph["delta"])
	assert.NotContains(t, res.Graph, "broken")

	delta, ok := res.Get("delta")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "d.zip"), delta.Source)
	assert.IsType(t, &testModule{}, delta.Module)
}

func TestDiscoverMultipleUnitsPerArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArtifact(t, dir, "bundle.zip", map[string]string{
		"module.yml": `
modules:
  - name: first
    entrypoint: NewGood
    priority: HIGH
  - name: second
    entrypoint: NewGood
    dependencies: [first, external]
  - version: 1.0.0
    entrypoint: NewGood
`,
	})

	res, err := newTestLoader(t, dir, testRegistry(t)).Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, names(res))
	assert.Len(t, res.Errors, 1, "unnamed unit is excluded")
	assert.ErrorIs(t, res.Errors[0], module.ErrInvalidDescriptor)

	first, _ := res.Get("first")
	assert.Equal(t, module.High, first.Descriptor.Priority)
	assert.Equal(t, map[string][]string{"second": {"external"}}, res.Graph.Unresolved())

	// each unit gets its own instance
	second, _ := res.Get("second")
	assert.NotSame(t, first.Module, second.Module)
}

func TestDiscoverIgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.zip"), 0o755))
	writeArtifact(t, filepath.Join(dir, "nested.zip"), "deep.zip", map[string]string{
		"module.yml": "name: deep\nentrypoint: NewGood\n",
	})
	writeArtifact(t, dir, "TOP.ZIP", map[string]string{
		"module.yml": "name: top\nentrypoint: NewGood\n",
	})

	res, err := newTestLoader(t, dir, testRegistry(t)).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"top"}, names(res))
}

func TestDiscoverBrokenArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corrupt.zip"), []byte("not a zip"), 0o644))
	writeArtifact(t, dir, "nodescriptor.zip", map[string]string{"README": "nothing here"})
	writeArtifact(t, dir, "empty.zip", map[string]string{"module.yml": ""})
	writeArtifact(t, dir, "nil.zip", map[string]string{"module.yml": "name: nil\nentrypoint: NewNil\n"})
	writeArtifact(t, dir, "unknown.zip", map[string]string{"module.yml": "name: unknown\n"})
	writeArtifact(t, dir, "ok.zip", map[string]string{"module.yml": "name: ok\nentrypoint: NewGood\n"})

	res, err := newTestLoader(t, dir, testRegistry(t)).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, names(res))
	assert.Len(t, res.Errors, 5)

	var notFound int
	for _, err := range res.Errors {
		if errors.Is(err, ErrEntrypointNotFound) {
			notFound++
		}
	}
	assert.Equal(t, 1, notFound, "default entrypoint NewModule is not registered")
}

func TestDiscoverDuplicateNamesFirstWins(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	require.NoError(t, reg.AddBuiltin(module.Descriptor{Name: "ping", Version: "builtin"}, func() (module.Module, error) {
		return &testModule{id: "builtin"}, nil
	}))

	dir := t.TempDir()
	writeArtifact(t, dir, "a.zip", map[string]string{"module.yml": "name: ping\nentrypoint: NewGood\n"})
	writeArtifact(t, dir, "b.zip", map[string]string{"module.yml": "name: echo\nentrypoint: NewGood\n"})
	writeArtifact(t, dir, "c.zip", map[string]string{"module.yml": "name: echo\nentrypoint: NewGood\n"})

	res, err := newTestLoader(t, dir, reg).Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ping", "echo"}, names(res))
	ping, _ := res.Get("ping")
	assert.Equal(t, SourceBuiltin, ping.Source)
	assert.Equal(t, "builtin", ping.Module.(*testModule).id)

	echo, _ := res.Get("echo")
	assert.Equal(t, filepath.Join(dir, "b.zip"), echo.Source)

	require.Len(t, res.Errors, 2)
	for _, err := range res.Errors {
		assert.ErrorIs(t, err, ErrDuplicateModule)
	}
}

func TestDiscoverWithoutBuiltins(t *testing.T) {
	t.Parallel()

	reg := module.NewRegistry()
	require.NoError(t, reg.AddBuiltin(module.Descriptor{Name: "ping"}, func() (module.Module, error) {
		return &testModule{}, nil
	}))

	res, err := New(t.TempDir(), WithFactories(reg), WithBuiltins(false)).Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Modules)
}

func TestDiscoverHonoursCancellation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArtifact(t, dir, "a.zip", map[string]string{"module.yml": "name: a\nentrypoint: NewGood\n"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestLoader(t, dir, testRegistry(t)).Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryOpenerOnlySeesDeclaredEntrypoints(t *testing.T) {
	t.Parallel()

	art := &Artifact{
		Path:        "/tmp/x.zip",
		Descriptors: []module.Descriptor{{Name: "x", Entrypoint: "NewGood"}},
	}
	lib, err := RegistryOpener{Registry: testRegistry(t)}.Open(context.Background(), art)
	require.NoError(t, err)

	f, err := lib.Lookup(art.Descriptors[0])
	require.NoError(t, err)
	m, err := f()
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = lib.Lookup(module.Descriptor{Name: "y", Entrypoint: "NewBroken"})
	assert.ErrorIs(t, err, ErrEntrypointNotFound)
}

func TestPluginOpenerRejectsEscapingLibraryPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeArtifact(t, dir, "evil.zip", map[string]string{"module.yml": "name: evil\n"})
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	art := &Artifact{
		Path:        path,
		Descriptors: []module.Descriptor{{Name: "evil", Entrypoint: "NewModule", Library: "../../evil.so"}},
		files:       &zr.Reader,
	}
	_, err = PluginOpener{CacheDir: t.TempDir()}.Open(context.Background(), art)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the artifact")
}

func TestPluginOpenerExtractsLibrary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeArtifact(t, dir, "native.zip", map[string]string{
		"module.yml":    "name: native\nlibrary: lib/native.so\n",
		"lib/native.so": "definitely not an ELF file",
	})
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	cache := t.TempDir()
	art := &Artifact{
		Path:        path,
		Descriptors: []module.Descriptor{{Name: "native", Entrypoint: "NewModule", Library: "lib/native.so"}},
		files:       &zr.Reader,
	}

	// the bytes are not a loadable object, so opening fails after extraction
	_, err = PluginOpener{CacheDir: cache}.Open(context.Background(), art)
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(cache, "native", "lib", "native.so"))
	require.NoError(t, err)
	assert.Equal(t, "definitely not an ELF file", string(data))
}

func TestDefaultOpenerSkipsArtifactWithMissingLibrary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeArtifact(t, dir, "missing.zip", map[string]string{
		"module.yml": "name: missing\nlibrary: gone.so\n",
	})
	writeArtifact(t, dir, "plain.zip", map[string]string{
		"module.yml": "name: plain\nentrypoint: NewGood\n",
	})

	res, err := newTestLoader(t, dir, testRegistry(t)).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"plain"}, names(res))
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "missing.zip")
}

func TestArtifactName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "weather", (&Artifact{Path: "/srv/modules/weather.zip"}).Name())
}
