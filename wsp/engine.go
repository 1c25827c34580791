// Package wsp is the file engine: it creates and opens round-robin
// time-series files, memory-maps them, and drives the cascading
// downsample-and-propagate write pipeline across a stack of Archives
// built from a parsed Header.
package wsp

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/dolthub/fslock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nimbusdb/wsp/internal/warchive"
	"github.com/nimbusdb/wsp/internal/wheader"
	"github.com/nimbusdb/wsp/internal/wpoint"
	"github.com/nimbusdb/wsp/schema"
)

// Engine is an open handle on one round-robin file: its mapping, its
// parsed header, and the Archive views built over the mapping.
type Engine struct {
	path   string
	file   *os.File
	region mmap.MMap
	lock   *fslock.Lock

	header   wheader.Header
	archives []*warchive.Archive

	log *logrus.Entry
}

// lockSuffix names the advisory lock file kept alongside the payload
// file, so the lock's lifetime never entangles with the mmap'd fd.
const lockSuffix = ".lock"

// Create allocates a new file at path sized for schema s, writes its
// header, maps it, and returns an open Engine. The payload area is
// zero-initialized by Truncate, so every archive starts with anchor 0.
func Create(path string, s schema.Schema, agg wheader.AggregationMethod, xff float32) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	lock := fslock.New(path + lockSuffix)
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrapf(err, "wsp: locking %s", path)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrapf(err, "wsp: creating %s", path)
	}

	size := int64(s.SizeOnDisk())
	if err := file.Truncate(size); err != nil {
		file.Close()
		_ = lock.Unlock()
		return nil, errors.Wrapf(err, "wsp: sizing %s to %d bytes", path, size)
	}

	hdr := buildHeader(s, agg, xff)
	if _, err := file.WriteAt(hdr.Encode(), 0); err != nil {
		file.Close()
		_ = lock.Unlock()
		return nil, errors.Wrapf(err, "wsp: writing header to %s", path)
	}

	e, err := mapAndOpen(path, file, lock, hdr)
	if err != nil {
		return nil, err
	}
	e.log.WithField("size", size).Debug("created whisper file")
	return e, nil
}

// Open maps an existing file read-write and parses its header.
// Invariants (ascending precision, divisibility, contiguous offsets)
// are not validated here, matching the original: Open trusts the file
// it's given.
func Open(path string) (*Engine, error) {
	lock := fslock.New(path + lockSuffix)
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrapf(err, "wsp: locking %s", path)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrapf(err, "wsp: opening %s", path)
	}

	e, err := mapAndOpen(path, file, lock, wheader.Header{})
	if err != nil {
		return nil, err
	}
	e.log.Debug("opened whisper file")
	return e, nil
}

func mapAndOpen(path string, file *os.File, lock *fslock.Lock, hdr wheader.Header) (*Engine, error) {
	region, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		_ = lock.Unlock()
		return nil, errors.Wrapf(err, "wsp: mapping %s", path)
	}

	if len(hdr.Archives) == 0 {
		hdr, err = wheader.Parse(region)
		if err != nil {
			_ = region.Unmap()
			file.Close()
			_ = lock.Unlock()
			return nil, err
		}
	}

	archives, err := hdr.BuildArchives(region)
	if err != nil {
		_ = region.Unmap()
		file.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return &Engine{
		path:     path,
		file:     file,
		region:   region,
		lock:     lock,
		header:   hdr,
		archives: archives,
		log:      logrus.WithField("path", path),
	}, nil
}

func buildHeader(s schema.Schema, agg wheader.AggregationMethod, xff float32) wheader.Header {
	infos := make([]wheader.ArchiveInfo, len(s.Policies))
	offset := wheader.ArchivesStart(len(s.Policies))
	for i, p := range s.Policies {
		infos[i] = wheader.ArchiveInfo{
			Offset:          offset,
			SecondsPerPoint: p.Precision,
			Points:          p.Points,
		}
		offset += uint32(p.SizeOnDisk())
	}
	return wheader.Header{
		Static: wheader.StaticHeader{
			AggregationMethod: agg,
			MaxRetention:      s.MaxRetention(),
			XFilesFactor:      xff,
			ArchiveCount:      uint32(len(s.Policies)),
		},
		Archives: infos,
	}
}

// Write stores p, using the current wall-clock time to decide which
// archive it lands in and whether it cascades.
func (e *Engine) Write(p wpoint.Point) error {
	return e.WriteAt(p, uint32(time.Now().Unix()))
}

// WriteAt is the testable variant of Write: now is the wall-clock time
// to treat as "current" for admission and cascade purposes.
func (e *Engine) WriteAt(p wpoint.Point, now uint32) error {
	elapsed := int64(now) - int64(p.Timestamp)

	primary := -1
	for i, a := range e.archives {
		if elapsed >= 0 && elapsed < int64(a.Retention()) {
			primary = i
			break
		}
	}
	if primary == -1 {
		e.log.WithFields(logrus.Fields{
			"timestamp": p.Timestamp,
			"elapsed":   elapsed,
		}).Debug("dropped write: no archive covers this timestamp")
		return nil
	}

	e.archives[primary].Write(p)

	ts := p.Timestamp
	for i := primary + 1; i < len(e.archives); i++ {
		admitted, nextTS, nextVal, err := e.propagate(e.archives[i-1], e.archives[i], ts)
		if err != nil {
			return err
		}
		if !admitted {
			e.log.WithField("archive", i).Trace("cascade halted: candidate window empty or below x-files-factor")
			break
		}
		ts = nextTS
		_ = nextVal
	}
	return nil
}

// propagate runs one step of the cascade: read the candidate window
// from src, filter stale slots, and if enough of it survived (per the
// header's x-files-factor) write the aggregate into dst. A window in
// which no slot survived is never admitted, even when the x-files-factor
// is 0, since there is nothing to aggregate.
func (e *Engine) propagate(src, dst *warchive.Archive, ts uint32) (admitted bool, outTS uint32, outValue float64, err error) {
	ratio := int(dst.SecondsPerPoint() / src.SecondsPerPoint())
	if ratio < 1 {
		ratio = 1
	}
	candidateCount := ratio
	if candidateCount > int(src.Points()) {
		candidateCount = int(src.Points())
	}

	targetBucket := ts - (ts % dst.SecondsPerPoint())

	candidates := make([]wpoint.Point, candidateCount)
	if err := src.ReadPoints(warchive.BucketName(targetBucket), candidates); err != nil {
		return false, 0, 0, fmt.Errorf("wsp: reading propagation candidates: %w", err)
	}

	kept := make([]float64, 0, candidateCount)
	for i, pt := range candidates {
		expected := targetBucket + uint32(i)*src.SecondsPerPoint()
		if pt.Timestamp == expected {
			kept = append(kept, pt.Value)
		}
	}

	admissionRatio := float64(len(kept)) / float64(candidateCount)
	if admissionRatio < float64(e.header.Static.XFilesFactor) {
		return false, 0, 0, nil
	}
	if len(kept) == 0 {
		// xff == 0 admits an empty window per spec, but there is
		// nothing to aggregate.
		return false, 0, 0, nil
	}

	agg, err := e.header.Static.AggregationMethod.Aggregate(kept)
	if err != nil {
		return false, 0, 0, err
	}

	dst.Write(wpoint.Point{Timestamp: targetBucket, Value: agg})
	return true, targetBucket, agg, nil
}

// ReadAll dumps every archive's raw slot contents, starting from each
// archive's own anchor, without stale filtering. Intended for
// diagnostics.
func (e *Engine) ReadAll() ([][]wpoint.Point, error) {
	result := make([][]wpoint.Point, len(e.archives))
	for i, a := range e.archives {
		buf := make([]wpoint.Point, a.Points())
		if err := a.ReadPoints(a.AnchorBucketName(), buf); err != nil {
			return nil, err
		}
		result[i] = buf
	}
	return result, nil
}

// Export writes ReadAll's per-archive dump to w as JSON.
func (e *Engine) Export(w io.Writer) error {
	all, err := e.ReadAll()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(all)
}

// Header exposes the parsed header, mainly for diagnostics (cmd/wspctl's
// info subcommand).
func (e *Engine) Header() wheader.Header { return e.header }

// Archives exposes the materialized archive views, for diagnostics.
func (e *Engine) Archives() []*warchive.Archive { return e.archives }

// Path is the file this engine has open.
func (e *Engine) Path() string { return e.path }

// Close unmaps the file, releases the advisory lock, and closes the
// file descriptor. The Engine must not be used afterward.
func (e *Engine) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	record(e.region.Unmap())
	record(e.file.Close())
	if e.lock != nil {
		record(e.lock.Unlock())
	}
	return first
}
