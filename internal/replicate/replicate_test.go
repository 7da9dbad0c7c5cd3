package replicate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/spot-pipeline/internal/retry"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/localfs"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/objectstoretest"
)

const (
	srcContainer = "images"
	dstContainer = "images-backup"
)

func testOptions() Options {
	p := retry.DefaultPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return Options{Concurrency: 4, Retry: p}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, s objectstore.Store, container string, objects map[string]string) {
	t.Helper()
	for key, body := range objects {
		require.NoError(t, s.Put(context.Background(), container, key, []byte(body), objectstore.Metadata{ContentType: "text/plain"}))
	}
}

func keys(t *testing.T, s objectstore.Store, container string) []string {
	t.Helper()
	var out []string
	err := objectstore.Walk(context.Background(), s, container, "", func(obj objectstore.ObjectInfo) error {
		out = append(out, obj.Key)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRun_CopiesEverything(t *testing.T) {
	src, dst := localfs.NewMemory(), localfs.NewMemory()
	seed(t, src, srcContainer, map[string]string{
		"input/a/cat.png": "aaaa",
		"outputs/a":       "bb",
		"jobs/a":          "{}",
	})

	r := New(src, dst, testOptions(), testLogger(), nil)
	report, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, 3, report.Listed)
	assert.Equal(t, 3, report.Copied)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, int64(8), report.Bytes)
	assert.ElementsMatch(t, []string{"input/a/cat.png", "outputs/a", "jobs/a"}, keys(t, dst, dstContainer))

	data, info, err := dst.Get(context.Background(), dstContainer, "outputs/a")
	require.NoError(t, err)
	assert.Equal(t, "bb", string(data))
	assert.Contains(t, info.ContentType, "text/plain")
}

func TestRun_Idempotent(t *testing.T) {
	src := localfs.NewMemory()
	dst := objectstoretest.NewFaulty(localfs.NewMemory())
	seed(t, src, srcContainer, map[string]string{"a": "1", "b": "22", "c": "333"})

	r := New(src, dst, testOptions(), testLogger(), nil)
	first, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Copied)

	dst.ResetCalls()
	second, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.NoError(t, err)
	require.NoError(t, second.Err())

	assert.Equal(t, 0, second.Copied)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 0, dst.Calls(objectstoretest.OpPut))
}

func TestRun_Converges(t *testing.T) {
	src, dst := localfs.NewMemory(), localfs.NewMemory()
	seed(t, src, srcContainer, map[string]string{"A": "a", "B": "b", "C": "c"})
	seed(t, dst, dstContainer, map[string]string{"A": "a"})

	r := New(src, dst, testOptions(), testLogger(), nil)
	report, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Copied)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{"A", "B", "C"}, keys(t, dst, dstContainer))
}

func TestRun_OverwritesWhenSizeDiffers(t *testing.T) {
	src, dst := localfs.NewMemory(), localfs.NewMemory()
	seed(t, src, srcContainer, map[string]string{"A": "new-version"})
	seed(t, dst, dstContainer, map[string]string{"A": "old"})

	r := New(src, dst, testOptions(), testLogger(), nil)
	report, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Copied)

	data, _, err := dst.Get(context.Background(), dstContainer, "A")
	require.NoError(t, err)
	assert.Equal(t, "new-version", string(data))
}

func TestRun_Prefix(t *testing.T) {
	src, dst := localfs.NewMemory(), localfs.NewMemory()
	seed(t, src, srcContainer, map[string]string{"outputs/a": "1", "outputs/b": "2", "jobs/a": "3"})

	r := New(src, dst, testOptions(), testLogger(), nil)
	report, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer, Prefix: "outputs/"})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Copied)
	assert.Equal(t, []string{"outputs/a", "outputs/b"}, keys(t, dst, dstContainer))
}

func TestRun_DryRun(t *testing.T) {
	src := localfs.NewMemory()
	dst := objectstoretest.NewFaulty(localfs.NewMemory())
	seed(t, src, srcContainer, map[string]string{"A": "a", "B": "b"})
	seed(t, dst, dstContainer, map[string]string{"A": "a"})
	dst.ResetCalls()

	r := New(src, dst, testOptions(), testLogger(), nil)
	report, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, report.Planned)
	assert.Equal(t, 0, report.Copied)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, dst.Calls(objectstoretest.OpPut))
	assert.Equal(t, []string{"A"}, keys(t, dst, dstContainer))
}

func TestRun_FailureIsolation(t *testing.T) {
	underlying := localfs.NewMemory()
	seed(t, underlying, srcContainer, map[string]string{"a": "1", "b": "2", "c": "3"})
	src := objectstoretest.NewFaulty(underlying)
	src.FailTransient(objectstoretest.OpGet, "b", -1)
	dst := localfs.NewMemory()

	r := New(src, dst, testOptions(), testLogger(), nil)
	report, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Copied)
	assert.Equal(t, []string{"b"}, report.FailedKeys())
	require.Error(t, report.Err())
	assert.Contains(t, report.Err().Error(), "1 of 3 objects failed")
	assert.True(t, objectstore.IsTransient(report.Failures[0].Err))
	assert.Equal(t, []string{"a", "c"}, keys(t, dst, dstContainer))

	// A re-run once the source recovers copies only what is missing.
	rerun, err := New(underlying, dst, testOptions(), testLogger(), nil).
		Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.NoError(t, err)
	require.NoError(t, rerun.Err())
	assert.Equal(t, 1, rerun.Copied)
	assert.Equal(t, 2, rerun.Skipped)
	assert.Equal(t, []string{"a", "b", "c"}, keys(t, dst, dstContainer))
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	src := localfs.NewMemory()
	seed(t, src, srcContainer, map[string]string{"a": "1"})
	dst := objectstoretest.NewFaulty(localfs.NewMemory())
	dst.FailTransient(objectstoretest.OpPut, "a", 2)

	r := New(src, dst, testOptions(), testLogger(), nil)
	report, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, 1, report.Copied)
	assert.Equal(t, 3, dst.Calls(objectstoretest.OpPut))
}

func TestRun_ListFailureAbortsRun(t *testing.T) {
	src := objectstoretest.NewFaulty(localfs.NewMemory())
	src.FailTransient(objectstoretest.OpList, "", -1)

	r := New(src, localfs.NewMemory(), testOptions(), testLogger(), nil)
	_, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list source images")
}

func TestRun_Verify(t *testing.T) {
	src, dst := localfs.NewMemory(), localfs.NewMemory()
	seed(t, src, srcContainer, map[string]string{"a": "hello"})

	r := New(src, dst, testOptions(), testLogger(), nil)
	report, err := r.Run(context.Background(), Request{SourceContainer: srcContainer, DestContainer: dstContainer, Verify: true})
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 1, report.Copied)
}
