package netlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainSegment(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "app", false, 0)

	_, err := fmt.Fprintln(w, "hello")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	files, err := filepath.Glob(filepath.Join(dir, "app-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestNoLineLostAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "traffic", true, 0)

	var want []string
	for i := 0; i < 100; i++ {
		line := fmt.Sprintf("line %d", i)
		want = append(want, line)
		_, err := fmt.Fprintln(w, line)
		require.NoError(t, err)
		if i == 49 {
			require.NoError(t, w.Rotate())
		}
	}
	require.NoError(t, w.Close())

	files, err := filepath.Glob(filepath.Join(dir, "traffic-*.log.gz"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	var got []string
	for _, f := range files {
		fh, err := os.Open(f)
		require.NoError(t, err)
		gz, err := gzip.NewReader(fh)
		require.NoError(t, err)
		var sb strings.Builder
		_, err = io.Copy(&sb, gz)
		require.NoError(t, err)
		fh.Close()
		for _, l := range strings.Split(strings.TrimSpace(sb.String()), "\n") {
			got = append(got, l)
		}
	}
	assert.ElementsMatch(t, want, got)
}

func TestEmptySegmentRemoved(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "app", false, 0)
	_, err := fmt.Fprintln(w, "x")
	require.NoError(t, err)
	require.NoError(t, w.Rotate())

	// closing again without further writes publishes nothing new
	require.NoError(t, w.Close())

	files, err := filepath.Glob(filepath.Join(dir, "app-*"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
