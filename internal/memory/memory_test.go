package memory

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func stubRuntime(t *testing.T, goLimit int64, total uint64, totalErr error) {
	t.Helper()
	prevLimit, prevTotal := SetMemoryLimitFn, TotalMemoryFn
	t.Cleanup(func() {
		SetMemoryLimitFn, TotalMemoryFn = prevLimit, prevTotal
	})
	SetMemoryLimitFn = func(int64) int64 { return goLimit }
	TotalMemoryFn = func() (uint64, error) { return total, totalErr }
}

func TestCgroupReaderV2(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	self := filepath.Join(t.TempDir(), "cgroup")
	writeFile(t, self, "0::/system.slice/perfsaver.service\n")
	writeFile(t, filepath.Join(root, "system.slice", "perfsaver.service", "memory.max"), "536870912\n")
	writeFile(t, filepath.Join(root, "memory.max"), "max\n")

	limit, ok := NewCgroupReader(root, self, discardLogger()).Limit()
	require.True(t, ok)
	assert.Equal(t, uint64(536870912), limit)
}

func TestCgroupReaderV1(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "memory", "memory.limit_in_bytes"), "1073741824\n")

	limit, ok := NewCgroupReader(root, "", discardLogger()).Limit()
	require.True(t, ok)
	assert.Equal(t, uint64(1073741824), limit)
}

func TestCgroupReaderUnlimited(t *testing.T) {
	t.Parallel()

	for name, content := range map[string]string{
		"v2 max":      "max\n",
		"v1 sentinel": "9223372036854771712\n",
		"garbage":     "lots\n",
		"empty":       "",
		"zero":        "0",
	} {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, "memory.max"), content)
			_, ok := NewCgroupReader(root, "", discardLogger()).Limit()
			assert.False(t, ok)
		})
	}

	var nilReader *CgroupReader
	_, ok := nilReader.Limit()
	assert.False(t, ok)
}

func TestLimitResolverExplicitWins(t *testing.T) {
	stubRuntime(t, 1<<30, 8<<30, nil)

	resolver := NewLimitResolver(256<<20, nil, discardLogger())
	limit, ok := resolver.MaxHeapBytes()
	require.True(t, ok)
	assert.Equal(t, uint64(256<<20), limit)
	assert.Equal(t, SourceExplicit, resolver.Source())
}

func TestLimitResolverGoMemLimit(t *testing.T) {
	stubRuntime(t, 1<<30, 8<<30, nil)

	resolver := NewLimitResolver(0, nil, discardLogger())
	limit, ok := resolver.MaxHeapBytes()
	require.True(t, ok)
	assert.Equal(t, uint64(1<<30), limit)
	assert.Equal(t, SourceGoLimit, resolver.Source())
}

func TestLimitResolverCgroupThenSystem(t *testing.T) {
	stubRuntime(t, math.MaxInt64, 8<<30, nil)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "memory.max"), "2147483648\n")

	resolver := NewLimitResolver(0, NewCgroupReader(root, "", discardLogger()), discardLogger())
	limit, ok := resolver.MaxHeapBytes()
	require.True(t, ok)
	assert.Equal(t, uint64(2<<30), limit)
	assert.Equal(t, SourceCgroup, resolver.Source())

	var logs bytes.Buffer
	system := NewLimitResolver(0, NewCgroupReader(t.TempDir(), "", discardLogger()), slog.New(slog.NewTextHandler(&logs, nil)))
	limit, ok = system.MaxHeapBytes()
	require.True(t, ok)
	assert.Equal(t, uint64(8<<30), limit)
	assert.Equal(t, SourceSystem, system.Source())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "total system memory")
}

func TestLimitResolverUnknown(t *testing.T) {
	stubRuntime(t, math.MaxInt64, 0, errors.New("no meminfo"))

	resolver := NewLimitResolver(0, nil, discardLogger())
	_, ok := resolver.MaxHeapBytes()
	assert.False(t, ok)
	assert.Equal(t, SourceUnknown, resolver.Source())
}

func TestGCFunc(t *testing.T) {
	called := false

	for _, tc := range []struct {
		name string
		fn   GCFunc
	}{
		{name: "default", fn: nil},
		{name: "override", fn: func() { called = true }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				tc.fn.ForceFullCollection()
			}, "Must not panic running GC function")
		})
	}
	assert.True(t, called, "Override function must have been called")
}
