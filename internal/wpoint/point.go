// Package wpoint encodes and decodes the 12-byte on-disk record that
// every archive slot holds: a big-endian timestamp followed by a
// big-endian IEEE-754 double.
package wpoint

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Size is the on-disk width of one point: 4 bytes timestamp + 8 bytes value.
const Size = 12

// Point is a single (timestamp, value) sample. A zero Timestamp marks a
// slot as never written.
type Point struct {
	Timestamp uint32
	Value     float64
}

// IsEmpty reports whether this is a never-written slot.
func (p Point) IsEmpty() bool {
	return p.Timestamp == 0
}

// MalformedPointError is returned by Decode when the input isn't exactly
// Size bytes long.
type MalformedPointError struct {
	Got int
}

func (e *MalformedPointError) Error() string {
	return fmt.Sprintf("could not divide archive into points - got malformed point of size %d", e.Got)
}

// Encode serializes a point to its 12-byte wire form.
func Encode(ts uint32, value float64) [Size]byte {
	var buf [Size]byte
	binary.BigEndian.PutUint32(buf[0:4], ts)
	binary.BigEndian.PutUint64(buf[4:12], math.Float64bits(value))
	return buf
}

// EncodeInto writes a point's 12-byte wire form into dst, which must be
// at least Size bytes long.
func EncodeInto(dst []byte, ts uint32, value float64) {
	binary.BigEndian.PutUint32(dst[0:4], ts)
	binary.BigEndian.PutUint64(dst[4:12], math.Float64bits(value))
}

// Decode parses a 12-byte wire record. It fails if b is not exactly Size
// bytes long.
func Decode(b []byte) (Point, error) {
	if len(b) != Size {
		return Point{}, &MalformedPointError{Got: len(b)}
	}
	ts := binary.BigEndian.Uint32(b[0:4])
	value := math.Float64frombits(binary.BigEndian.Uint64(b[4:12]))
	return Point{Timestamp: ts, Value: value}, nil
}
