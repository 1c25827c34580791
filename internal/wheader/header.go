// Package wheader parses a whisper-style file preamble (static metadata
// plus an archive-info table) and builds warchive.Archive views over
// subranges of the mapped region it was read from.
package wheader

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nimbusdb/wsp/internal/warchive"
	"github.com/nimbusdb/wsp/internal/wpoint"
)

// AggregationMethod selects how candidate points are rolled up into one
// coarser-archive aggregate.
type AggregationMethod uint32

const (
	Average AggregationMethod = 1
	Sum     AggregationMethod = 2
	Last    AggregationMethod = 3
	Max     AggregationMethod = 4
	Min     AggregationMethod = 5
)

func (m AggregationMethod) String() string {
	switch m {
	case Average:
		return "average"
	case Sum:
		return "sum"
	case Last:
		return "last"
	case Max:
		return "max"
	case Min:
		return "min"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(m))
	}
}

// UnknownAggregationError is returned when a header names an
// aggregation method outside {1..5}.
type UnknownAggregationError struct {
	Got uint32
}

func (e *UnknownAggregationError) Error() string {
	return fmt.Sprintf("wheader: unknown aggregation method %d", e.Got)
}

// TruncatedHeaderError is returned when the region is too short to hold
// the static preamble or the full archive-info table it claims to have.
type TruncatedHeaderError struct {
	Need int
	Got  int
}

func (e *TruncatedHeaderError) Error() string {
	return fmt.Sprintf("wheader: truncated header, need at least %d bytes, got %d", e.Need, e.Got)
}

// StaticHeaderSize is the width of the fixed-format preamble.
const StaticHeaderSize = 16

// ArchiveInfoSize is the width of one archive-info record.
const ArchiveInfoSize = 12

// StaticHeader is the 16-byte preamble common to the whole file.
type StaticHeader struct {
	AggregationMethod AggregationMethod
	MaxRetention      uint32
	XFilesFactor      float32
	ArchiveCount      uint32
}

// ArchiveInfo is one 12-byte archive-info record.
type ArchiveInfo struct {
	Offset          uint32
	SecondsPerPoint uint32
	Points          uint32
}

// Size is the byte length of this archive's payload.
func (i ArchiveInfo) Size() uint32 { return i.Points * wpoint.Size }

// Header is the parsed preamble plus its archive-info table.
type Header struct {
	Static   StaticHeader
	Archives []ArchiveInfo
}

// ArchivesStart returns the byte offset where archive payloads begin,
// for a file with the given archive count.
func ArchivesStart(archiveCount int) uint32 {
	return StaticHeaderSize + uint32(archiveCount)*ArchiveInfoSize
}

// Parse reads the static preamble and archive-info table from the head
// of region. region only needs to be at least as long as the header;
// archive payloads are addressed separately via BuildArchives.
func Parse(region []byte) (Header, error) {
	if len(region) < StaticHeaderSize {
		return Header{}, &TruncatedHeaderError{Need: StaticHeaderSize, Got: len(region)}
	}

	aggMethod := AggregationMethod(binary.BigEndian.Uint32(region[0:4]))
	if aggMethod < Average || aggMethod > Min {
		return Header{}, &UnknownAggregationError{Got: uint32(aggMethod)}
	}

	static := StaticHeader{
		AggregationMethod: aggMethod,
		MaxRetention:       binary.BigEndian.Uint32(region[4:8]),
		XFilesFactor:       math.Float32frombits(binary.BigEndian.Uint32(region[8:12])),
		ArchiveCount:       binary.BigEndian.Uint32(region[12:16]),
	}

	need := int(ArchivesStart(int(static.ArchiveCount)))
	if len(region) < need {
		return Header{}, &TruncatedHeaderError{Need: need, Got: len(region)}
	}

	archives := make([]ArchiveInfo, static.ArchiveCount)
	for i := range archives {
		off := StaticHeaderSize + i*ArchiveInfoSize
		archives[i] = ArchiveInfo{
			Offset:          binary.BigEndian.Uint32(region[off : off+4]),
			SecondsPerPoint: binary.BigEndian.Uint32(region[off+4 : off+8]),
			Points:          binary.BigEndian.Uint32(region[off+8 : off+12]),
		}
	}

	return Header{Static: static, Archives: archives}, nil
}

// Encode serializes h back to its on-disk byte form (used only at
// file-creation time; steady-state mutation happens through Archive.Write).
func (h Header) Encode() []byte {
	buf := make([]byte, ArchivesStart(len(h.Archives)))
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Static.AggregationMethod))
	binary.BigEndian.PutUint32(buf[4:8], h.Static.MaxRetention)
	binary.BigEndian.PutUint32(buf[8:12], math.Float32bits(h.Static.XFilesFactor))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(h.Archives)))
	for i, info := range h.Archives {
		off := StaticHeaderSize + i*ArchiveInfoSize
		binary.BigEndian.PutUint32(buf[off:off+4], info.Offset)
		binary.BigEndian.PutUint32(buf[off+4:off+8], info.SecondsPerPoint)
		binary.BigEndian.PutUint32(buf[off+8:off+12], info.Points)
	}
	return buf
}

// BuildArchives materializes one warchive.Archive per info record, each
// a view over region[offset : offset+size]. region must be the full
// mapped file, not just the header bytes.
func (h Header) BuildArchives(region []byte) ([]*warchive.Archive, error) {
	archives := make([]*warchive.Archive, len(h.Archives))
	for i, info := range h.Archives {
		end := info.Offset + info.Size()
		if int(end) > len(region) {
			return nil, fmt.Errorf("wheader: archive %d spans [%d,%d) beyond region of %d bytes", i, info.Offset, end, len(region))
		}
		a, err := warchive.New(info.SecondsPerPoint, info.Points, region[info.Offset:end])
		if err != nil {
			return nil, fmt.Errorf("wheader: archive %d: %w", i, err)
		}
		archives[i] = a
	}
	return archives, nil
}

// Aggregate rolls up a non-empty slice of already stale-filtered values
// according to m. NaN inputs are skipped by Max/Min when at least one
// non-NaN candidate exists; Average and Sum include them (and so may
// produce NaN), matching float addition's usual contagion.
func (m AggregationMethod) Aggregate(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("wheader: cannot aggregate an empty value set")
	}
	switch m {
	case Average:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case Sum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case Last:
		return values[len(values)-1], nil
	case Max:
		result := math.NaN()
		for _, v := range values {
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(result) || v > result {
				result = v
			}
		}
		return result, nil
	case Min:
		result := math.NaN()
		for _, v := range values {
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(result) || v < result {
				result = v
			}
		}
		return result, nil
	default:
		return 0, &UnknownAggregationError{Got: uint32(m)}
	}
}
