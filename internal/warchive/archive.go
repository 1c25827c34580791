// Package warchive implements one resolution tier of a whisper-style
// round-robin file: a fixed-length circular buffer of points at a single
// seconds-per-point resolution, addressed by floor-mod distance from an
// anchor stored in slot 0.
package warchive

import (
	"encoding/binary"
	"fmt"

	"github.com/nimbusdb/wsp/internal/wpoint"
)

// BucketName is a timestamp floor-normalized to a multiple of an
// archive's SecondsPerPoint.
type BucketName uint32

// Index identifies a slot within an archive, always in [0, Points).
type Index uint32

// Archive is a circular buffer backed by a byte region of exactly
// Points*wpoint.Size bytes. The region is never copied; it is expected
// to be a sub-slice of a memory-mapped file.
type Archive struct {
	secondsPerPoint uint32
	points          uint32
	region          []byte
}

// RequestTooLargeError is returned by ReadPoints when more points are
// requested than the archive holds.
type RequestTooLargeError struct {
	Requested int
	Available int
}

func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("Points requested exceeds archive retention period. Requested: %d, Available: %d", e.Requested, e.Available)
}

// New wraps region as an archive view. region must be exactly
// points*wpoint.Size bytes; secondsPerPoint and points must both be > 0.
func New(secondsPerPoint, points uint32, region []byte) (*Archive, error) {
	if secondsPerPoint == 0 {
		return nil, fmt.Errorf("warchive: seconds_per_point must be > 0")
	}
	if points == 0 {
		return nil, fmt.Errorf("warchive: points must be > 0")
	}
	want := int(points) * wpoint.Size
	if len(region) != want {
		return nil, fmt.Errorf("warchive: region has %d bytes, want %d (points=%d)", len(region), want, points)
	}
	return &Archive{secondsPerPoint: secondsPerPoint, points: points, region: region}, nil
}

// SecondsPerPoint is this archive's resolution.
func (a *Archive) SecondsPerPoint() uint32 { return a.secondsPerPoint }

// Points is the slot count.
func (a *Archive) Points() uint32 { return a.points }

// Retention is the time window this archive can represent, in seconds.
func (a *Archive) Retention() uint32 { return a.secondsPerPoint * a.points }

// Size is the byte length of the archive's region.
func (a *Archive) Size() int { return len(a.region) }

// BucketName floor-normalizes ts down to this archive's resolution.
func (a *Archive) BucketName(ts uint32) BucketName {
	return BucketName(ts - (ts % a.secondsPerPoint))
}

// AnchorBucketName reads the timestamp stored at slot 0, which defines
// the ring's phase. A never-written archive reports anchor 0.
func (a *Archive) AnchorBucketName() BucketName {
	return BucketName(binary.BigEndian.Uint32(a.region[0:4]))
}

// Index computes the slot that holds (or would hold) bn, using
// floor-mod distance from the anchor so timestamps earlier than the
// anchor wrap to the tail of the ring instead of going negative.
func (a *Archive) Index(bn BucketName) Index {
	anchor := a.AnchorBucketName()
	if anchor == 0 {
		return 0
	}
	distance := int64(bn) - int64(anchor)
	pointDistance := distance / int64(a.secondsPerPoint)
	return Index(floorMod(pointDistance, int64(a.points)))
}

// floorMod returns x mod n mapped into [0, n), unlike Go's native %
// which keeps the sign of x.
func floorMod(x, n int64) int64 {
	r := x % n
	if r < 0 {
		r += n
	}
	return r
}

// Write stores p at the slot its bucket name maps to, overwriting
// whatever was there. Writing into a never-written archive (anchor ==
// 0) lands at slot 0 and implicitly establishes the anchor.
func (a *Archive) Write(p wpoint.Point) {
	bn := a.BucketName(p.Timestamp)
	idx := a.Index(bn)
	start := int(idx) * wpoint.Size
	wpoint.EncodeInto(a.region[start:start+wpoint.Size], uint32(bn), p.Value)
}

// ReadPoints copies len(out) consecutive slots into out, starting from
// the slot corresponding to from, wrapping around the end of the region
// at most once. Decoded timestamps are returned as-is; stale slots (a
// timestamp that doesn't match the bucket expected at that ring
// position) are the caller's responsibility to filter.
func (a *Archive) ReadPoints(from BucketName, out []wpoint.Point) error {
	if len(out) > int(a.points) {
		return &RequestTooLargeError{Requested: len(out), Available: int(a.points)}
	}

	start := int(a.Index(from))
	if start+len(out) > int(a.points) {
		firstLen := int(a.points) - start
		if err := a.decodeRange(start, firstLen, out[:firstLen]); err != nil {
			return err
		}
		return a.decodeRange(0, len(out)-firstLen, out[firstLen:])
	}
	return a.decodeRange(start, len(out), out)
}

func (a *Archive) decodeRange(startSlot, n int, dst []wpoint.Point) error {
	byteStart := startSlot * wpoint.Size
	for i := 0; i < n; i++ {
		off := byteStart + i*wpoint.Size
		p, err := wpoint.Decode(a.region[off : off+wpoint.Size])
		if err != nil {
			return err
		}
		dst[i] = p
	}
	return nil
}
