// Package schema is the file engine's collaborator: it parses
// whisper-style retention specs ("1s:60s", "1m:1y") into an ordered
// list of retention policies and computes the derived sizing the file
// engine needs to allocate and lay out a new file. Parsing and
// validation live here, not in the core engine.
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/nimbusdb/wsp/internal/wheader"
	"github.com/nimbusdb/wsp/internal/wpoint"
)

var precisionRegexp = regexp.MustCompile(`^(\d+)([smhdwy]?)$`)

var unitSeconds = map[string]uint32{
	"":  1,
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
	"w": 604800,
	"y": 31536000,
}

// RetentionPolicy is one archive's retention: a precision (seconds per
// point) and a point count.
type RetentionPolicy struct {
	Precision uint32
	Points    uint32
}

// Retention is the time window this policy covers, in seconds.
func (p RetentionPolicy) Retention() uint32 { return p.Precision * p.Points }

// SizeOnDisk is the byte length of this policy's archive payload.
func (p RetentionPolicy) SizeOnDisk() uint64 { return uint64(p.Points) * wpoint.Size }

// Schema is an ordered list of retention policies, ascending by
// precision, describing one whisper file's full archive stack.
type Schema struct {
	Policies []RetentionPolicy
}

// MaxRetention is the coarsest archive's retention window.
func (s Schema) MaxRetention() uint32 {
	var max uint32
	for _, p := range s.Policies {
		if r := p.Retention(); r > max {
			max = r
		}
	}
	return max
}

// SizeOnDisk is the total file size this schema requires: the header
// (static preamble + archive-info table) plus every archive's payload.
func (s Schema) SizeOnDisk() uint64 {
	total := uint64(wheader.ArchivesStart(len(s.Policies)))
	for _, p := range s.Policies {
		total += p.SizeOnDisk()
	}
	return total
}

// ValidationError names which of Validate's rules failed and
// at which archive index.
type ValidationError struct {
	Rule  string
	Index int
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("schema: %s", e.Rule)
	}
	return fmt.Sprintf("schema: %s (at archive %d)", e.Rule, e.Index)
}

// Validate checks the invariants spec.md requires between neighboring
// archives: strictly ascending precision, divisibility, strictly
// increasing retention, and enough points in the finer archive to
// consolidate into the next.
func (s Schema) Validate() error {
	if len(s.Policies) == 0 {
		return &ValidationError{Rule: "archive list cannot have 0 length", Index: -1}
	}

	for i := 0; i < len(s.Policies)-1; i++ {
		cur, next := s.Policies[i], s.Policies[i+1]

		if cur.Precision >= next.Precision {
			return &ValidationError{Rule: "no archive may be a duplicate of, or coarser than, a later archive", Index: i}
		}
		if next.Precision%cur.Precision != 0 {
			return &ValidationError{Rule: "higher precision archives must evenly divide into lower precision archives", Index: i}
		}
		if next.Retention() <= cur.Retention() {
			return &ValidationError{Rule: "lower precision archives must cover a larger time interval than higher precision", Index: i}
		}
		if cur.Points < next.Precision/cur.Precision {
			return &ValidationError{Rule: "each archive must have enough points to consolidate into the next", Index: i}
		}
	}
	return nil
}

// ParseRetentionSpecs parses specs like "1s:60s" (precision:retention-
// duration) or "1m:525600" (precision:point-count) into a validated
// Schema, sorted ascending by precision.
func ParseRetentionSpecs(specs []string) (Schema, error) {
	policies := make([]RetentionPolicy, 0, len(specs))
	for _, spec := range specs {
		p, err := parseOneSpec(spec)
		if err != nil {
			return Schema{}, err
		}
		policies = append(policies, p)
	}

	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Precision < policies[j].Precision
	})

	s := Schema{Policies: policies}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

func parseOneSpec(spec string) (RetentionPolicy, error) {
	precisionStr, retentionStr, ok := splitSpec(spec)
	if !ok {
		return RetentionPolicy{}, fmt.Errorf("schema: could not parse retention spec %q, want PRECISION:RETENTION", spec)
	}

	precision, err := parseDuration(precisionStr)
	if err != nil {
		return RetentionPolicy{}, fmt.Errorf("schema: invalid precision %q: %w", precisionStr, err)
	}
	if precision == 0 {
		return RetentionPolicy{}, fmt.Errorf("schema: precision must be > 0 in spec %q", spec)
	}

	// The retention side may be a duration ("60s", "1y") or a bare point
	// count ("525600"), matching the original whisper CLI's flexibility.
	match := precisionRegexp.FindStringSubmatch(retentionStr)
	if match == nil {
		return RetentionPolicy{}, fmt.Errorf("schema: invalid retention %q in spec %q", retentionStr, spec)
	}

	count, err := strconv.ParseUint(match[1], 10, 32)
	if err != nil {
		return RetentionPolicy{}, fmt.Errorf("schema: invalid retention %q: %w", retentionStr, err)
	}

	if match[2] == "" {
		// Bare number with no unit suffix is a point count.
		return RetentionPolicy{Precision: precision, Points: uint32(count)}, nil
	}

	unit, ok := unitSeconds[match[2]]
	if !ok {
		return RetentionPolicy{}, fmt.Errorf("schema: unknown retention unit %q in spec %q", match[2], spec)
	}
	retentionSeconds := uint32(count) * unit
	return RetentionPolicy{Precision: precision, Points: retentionSeconds / precision}, nil
}

func parseDuration(s string) (uint32, error) {
	match := precisionRegexp.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	value, err := strconv.ParseUint(match[1], 10, 32)
	if err != nil {
		return 0, err
	}
	unit, ok := unitSeconds[match[2]]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", match[2])
	}
	return uint32(value) * unit, nil
}

func splitSpec(spec string) (precision, retention string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}
