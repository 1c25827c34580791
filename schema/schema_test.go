package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRetentionSpecsDurations(t *testing.T) {
	s, err := ParseRetentionSpecs([]string{"1s:60s", "1m:1y"})
	require.NoError(t, err)
	require.Len(t, s.Policies, 2)

	require.Equal(t, RetentionPolicy{Precision: 1, Points: 60}, s.Policies[0])
	require.Equal(t, uint32(60), s.Policies[1].Precision)
	require.Equal(t, uint32(31536000/60), s.Policies[1].Points)

	require.Equal(t, uint32(31536000), s.MaxRetention())
}

func TestParseRetentionSpecsPointCount(t *testing.T) {
	s, err := ParseRetentionSpecs([]string{"1m:525600"})
	require.NoError(t, err)
	require.Equal(t, RetentionPolicy{Precision: 60, Points: 525600}, s.Policies[0])
}

func TestSizeOnDisk(t *testing.T) {
	s, err := ParseRetentionSpecs([]string{"1s:60s", "1m:1y"})
	require.NoError(t, err)

	// header(16) + 2*archiveInfo(12) + 60*12 + (525600)*12
	want := uint64(16+2*12) + uint64(60*12) + uint64(525600*12)
	require.Equal(t, want, s.SizeOnDisk())
}

func TestValidateRejectsEmpty(t *testing.T) {
	var s Schema
	require.Error(t, s.Validate())
}

func TestValidateRejectsNonDivisible(t *testing.T) {
	s := Schema{Policies: []RetentionPolicy{
		{Precision: 3, Points: 100},
		{Precision: 10, Points: 100},
	}}
	err := s.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 0, verr.Index)
}

func TestValidateRejectsDuplicatePrecision(t *testing.T) {
	s := Schema{Policies: []RetentionPolicy{
		{Precision: 10, Points: 100},
		{Precision: 10, Points: 200},
	}}
	require.Error(t, s.Validate())
}

func TestValidateRejectsInsufficientConsolidationPoints(t *testing.T) {
	s := Schema{Policies: []RetentionPolicy{
		{Precision: 1, Points: 5},
		{Precision: 60, Points: 100},
	}}
	require.Error(t, s.Validate())
}

func TestParseRejectsMalformedSpec(t *testing.T) {
	_, err := ParseRetentionSpecs([]string{"garbage"})
	require.Error(t, err)
}
