package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/localfs"
)

type syncFixture struct {
	configPath string
	srcRoot    string
	dstRoot    string
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	dir := t.TempDir()

	f := &syncFixture{
		configPath: filepath.Join(dir, "config.yaml"),
		srcRoot:    filepath.Join(dir, "old"),
		dstRoot:    filepath.Join(dir, "new"),
	}

	cfg := fmt.Sprintf(`
logging:
  format: json
  output: %s
sync:
  source: old
  destination: new
  containers: [jobs, images]
  concurrency: 2
  stores:
    old:
      backend: local
      local:
        root: %s
    new:
      backend: local
      local:
        root: %s
`, filepath.Join(dir, "sync.log"), f.srcRoot, f.dstRoot)
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o644))

	return f
}

func (f *syncFixture) seed(t *testing.T, root, container string, objects map[string]string) {
	t.Helper()
	store := localfs.NewOS(root)
	for key, body := range objects {
		require.NoError(t, store.Put(context.Background(), container, key, []byte(body), objectstore.Metadata{}))
	}
}

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer

	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.RunContext(context.Background(), append([]string{"store-sync"}, args...))
	return stdout.String(), stderr.String(), err
}

func TestCopy(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(t, f.srcRoot, "jobs", map[string]string{"jobs/a": `{"id":"a"}`, "jobs/b": `{"id":"b"}`})
	f.seed(t, f.srcRoot, "images", map[string]string{"input/a/cat.png": "png", "outputs/a": "out"})
	f.seed(t, f.dstRoot, "jobs", map[string]string{"jobs/a": `{"id":"a"}`})

	out, _, err := runApp(t, "--config", f.configPath, "copy")
	require.NoError(t, err)
	assert.Contains(t, out, "jobs: listed=2 copied=1 skipped=1 failed=0")
	assert.Contains(t, out, "images: listed=2 copied=2 skipped=0 failed=0")

	data, err := os.ReadFile(filepath.Join(f.dstRoot, "images", "outputs", "a"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(data))

	// A second run has nothing left to do.
	out, _, err = runApp(t, "--config", f.configPath, "copy")
	require.NoError(t, err)
	assert.Contains(t, out, "jobs: listed=2 copied=0 skipped=2 failed=0")
	assert.Contains(t, out, "images: listed=2 copied=0 skipped=2 failed=0")
}

func TestCopy_DryRunAndOverrides(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(t, f.srcRoot, "images", map[string]string{"outputs/a": "out", "input/a/cat.png": "png"})

	out, _, err := runApp(t, "--config", f.configPath, "copy", "--container", "images", "--prefix", "outputs/", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would copy images/outputs/a")
	assert.NotContains(t, out, "jobs:")

	_, err = os.Stat(filepath.Join(f.dstRoot, "images", "outputs", "a"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCopy_RenamedContainer(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(t, f.srcRoot, "spot-jobs-prod", map[string]string{"jobs/a": `{"id":"a"}`, "jobs/b": `{"id":"b"}`})

	out, _, err := runApp(t, "--config", f.configPath, "copy", "--container", "spot-jobs-prod:jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "spot-jobs-prod:jobs: listed=2 copied=2 skipped=0 failed=0")

	data, err := os.ReadFile(filepath.Join(f.dstRoot, "jobs", "jobs", "a"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(data))

	_, err = os.Stat(filepath.Join(f.dstRoot, "spot-jobs-prod"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	out, _, err = runApp(t, "--config", f.configPath, "copy", "--container", "spot-jobs-prod:jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "spot-jobs-prod:jobs: listed=2 copied=0 skipped=2 failed=0")
}

func TestCopy_RenamedContainerFromConfig(t *testing.T) {
	f := newSyncFixture(t)
	cfg, err := os.ReadFile(f.configPath)
	require.NoError(t, err)
	cfg = bytes.Replace(cfg, []byte("containers: [jobs, images]"),
		[]byte("containers:\n    - source: spot-images-prod\n      destination: images"), 1)
	require.NoError(t, os.WriteFile(f.configPath, cfg, 0o644))

	f.seed(t, f.srcRoot, "spot-images-prod", map[string]string{"outputs/a": "out"})

	out, _, err := runApp(t, "--config", f.configPath, "copy")
	require.NoError(t, err)
	assert.Contains(t, out, "spot-images-prod:images: listed=1 copied=1")
	assert.NotContains(t, out, "jobs:")

	data, err := os.ReadFile(filepath.Join(f.dstRoot, "images", "outputs", "a"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(data))
}

func TestCopy_InvalidContainerMapping(t *testing.T) {
	f := newSyncFixture(t)

	_, _, err := runApp(t, "--config", f.configPath, "copy", "--container", ":jobs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid container mapping")
}

func TestCopy_UnknownStore(t *testing.T) {
	f := newSyncFixture(t)

	_, _, err := runApp(t, "--config", f.configPath, "copy", "--dest", "archive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sync store "archive" is not defined`)
}

func TestCopy_DestinationUnwritable(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(t, f.srcRoot, "jobs", map[string]string{"jobs/a": "{}"})
	require.NoError(t, os.WriteFile(f.dstRoot, []byte("not a directory"), 0o644))

	_, _, err := runApp(t, "--config", f.configPath, "copy", "--container", "jobs")
	require.Error(t, err)
}

func TestList(t *testing.T) {
	f := newSyncFixture(t)
	f.seed(t, f.srcRoot, "images", map[string]string{"outputs/a": "abc", "outputs/b": "de", "input/a/x.png": "f"})

	out, _, err := runApp(t, "--config", f.configPath, "ls", "--store", "old", "--container", "images", "--prefix", "outputs/")
	require.NoError(t, err)
	assert.Contains(t, out, "outputs/a")
	assert.Contains(t, out, "outputs/b")
	assert.NotContains(t, out, "input/a/x.png")
	assert.Contains(t, out, "2 objects, 5 bytes")
}
