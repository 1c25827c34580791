package wsp

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/wsp/internal/wheader"
	"github.com/nimbusdb/wsp/internal/wpoint"
	"github.com/nimbusdb/wsp/schema"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "metric.wsp")
}

func TestCreateWritesExpectedHeader(t *testing.T) {
	path := tempPath(t)
	s, err := schema.ParseRetentionSpecs([]string{"1s:60s", "1m:1y"})
	require.NoError(t, err)

	e, err := Create(path, s, wheader.Average, 0.5)
	require.NoError(t, err)
	defer e.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, uint32(1), binary.BigEndian.Uint32(raw[0:4]))
	require.Equal(t, uint32(31536000), binary.BigEndian.Uint32(raw[4:8]))
	require.Equal(t, float32(0.5), math.Float32frombits(binary.BigEndian.Uint32(raw[8:12])))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[12:16]))

	// archive 0 info record at offset 16, archive 1 info record at offset 28
	require.Equal(t, uint32(40), binary.BigEndian.Uint32(raw[16:20]), "archive 0 offset = header end")
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(raw[20:24]), "archive 0 seconds_per_point")
	require.Equal(t, uint32(60), binary.BigEndian.Uint32(raw[24:28]), "archive 0 points")

	require.Equal(t, uint32(40+60*wpoint.Size), binary.BigEndian.Uint32(raw[28:32]), "archive 1 offset")
	require.Equal(t, uint32(60), binary.BigEndian.Uint32(raw[32:36]), "archive 1 seconds_per_point")
	require.Equal(t, uint32(525600), binary.BigEndian.Uint32(raw[36:40]), "archive 1 points")
}

func TestCreateAndReopen(t *testing.T) {
	path := tempPath(t)
	s, err := schema.ParseRetentionSpecs([]string{"1s:60s", "1m:1y"})
	require.NoError(t, err)

	e, err := Create(path, s, wheader.Average, 0.5)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, wheader.Average, reopened.Header().Static.AggregationMethod)
	require.Len(t, reopened.Archives(), 2)
}

func TestCascadingWriteAdmits(t *testing.T) {
	path := tempPath(t)
	// 1s precision for 10s, 10s precision for 100s: 10 candidates per
	// coarse point, xff 0.5 admits with 5+ of them present.
	s, err := schema.ParseRetentionSpecs([]string{"1s:10s", "10s:100s"})
	require.NoError(t, err)

	e, err := Create(path, s, wheader.Average, 0.5)
	require.NoError(t, err)
	defer e.Close()

	base := uint32(1000000000)
	now := base + 9

	for i := uint32(0); i < 10; i++ {
		require.NoError(t, e.WriteAt(wpoint.Point{Timestamp: base + i, Value: float64(i)}, now))
	}

	all, err := e.ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)

	coarseBucket := base - (base % 10)
	var found bool
	for _, p := range all[1] {
		if p.Timestamp == coarseBucket {
			found = true
			// average of 0..9 == 4.5
			require.InDelta(t, 4.5, p.Value, 1e-9)
		}
	}
	require.True(t, found, "expected coarse archive to contain the propagated aggregate")
}

func TestCascadeHaltsBelowXFF(t *testing.T) {
	path := tempPath(t)
	s, err := schema.ParseRetentionSpecs([]string{"1s:10s", "10s:100s"})
	require.NoError(t, err)

	e, err := Create(path, s, wheader.Average, 0.9)
	require.NoError(t, err)
	defer e.Close()

	base := uint32(2000000000)
	now := base + 1
	// only 2 of 10 candidate slots filled: ratio 0.2 < 0.9, must not propagate
	require.NoError(t, e.WriteAt(wpoint.Point{Timestamp: base, Value: 1.0}, now))
	require.NoError(t, e.WriteAt(wpoint.Point{Timestamp: base + 1, Value: 2.0}, now))

	all, err := e.ReadAll()
	require.NoError(t, err)

	coarseBucket := base - (base % 10)
	for _, p := range all[1] {
		require.NotEqual(t, coarseBucket, p.Timestamp, "coarse archive must not have been written")
	}
}

func TestWriteOutsideRetentionIsDropped(t *testing.T) {
	path := tempPath(t)
	s, err := schema.ParseRetentionSpecs([]string{"1s:10s"})
	require.NoError(t, err)

	e, err := Create(path, s, wheader.Average, 0.5)
	require.NoError(t, err)
	defer e.Close()

	now := uint32(1000)
	// 500 seconds old, older than the 10s retention: dropped, not an error
	require.NoError(t, e.WriteAt(wpoint.Point{Timestamp: 500, Value: 1.0}, now))

	// future-dated (elapsed < 0): also dropped, not an error
	require.NoError(t, e.WriteAt(wpoint.Point{Timestamp: now + 50, Value: 1.0}, now))

	all, err := e.ReadAll()
	require.NoError(t, err)
	for _, p := range all[0] {
		require.True(t, p.IsEmpty())
	}
}

func TestExportProducesJSON(t *testing.T) {
	path := tempPath(t)
	s, err := schema.ParseRetentionSpecs([]string{"1s:5s"})
	require.NoError(t, err)

	e, err := Create(path, s, wheader.Average, 0.5)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.WriteAt(wpoint.Point{Timestamp: 100, Value: 42.0}, 100))

	var buf []byte
	w := &sliceWriter{buf: &buf}
	require.NoError(t, e.Export(w))
	require.Contains(t, string(buf), "42")
}

type sliceWriter struct{ buf *[]byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}
