package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsOrderedSegments(t *testing.T) {
	t.Parallel()

	r := Result{
		Duration: 4,
		Segments: []Segment{
			{ID: 0, Start: 0, End: 1.5, Text: "hello"},
			{ID: 1, Start: 1.5, End: 4, Text: "world"},
		},
	}
	require.NoError(t, r.Validate())
}

func TestValidateRejectsOverlap(t *testing.T) {
	t.Parallel()

	r := Result{
		Duration: 4,
		Segments: []Segment{
			{Start: 0, End: 2},
			{Start: 1, End: 3},
		},
	}
	require.ErrorIs(t, r.Validate(), ErrInvalidResult)
}

func TestValidateRejectsSegmentPastDuration(t *testing.T) {
	t.Parallel()

	r := Result{Duration: 1, Segments: []Segment{{Start: 0, End: 2}}}
	require.ErrorIs(t, r.Validate(), ErrInvalidResult)
}

func TestClampRepairsEngineOutput(t *testing.T) {
	t.Parallel()

	r := Result{
		Duration: 3,
		Segments: []Segment{
			{ID: 4, Start: -0.1, End: 1.2},
			{ID: 9, Start: 1.0, End: 3.4},
		},
		Words: []Word{{Word: "a", Start: 0.5, End: 0.2}},
	}
	r.Clamp()

	require.NoError(t, r.Validate())
	require.Equal(t, 0.0, r.Segments[0].Start)
	require.Equal(t, 1.2, r.Segments[1].Start)
	require.Equal(t, 3.0, r.Segments[1].End)
	require.Equal(t, 1, r.Segments[1].ID)
	require.Equal(t, 0.5, r.Words[0].End)
}

func TestShiftDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	r := Result{
		Segments: []Segment{{Start: 0.5, End: 1, Flags: []string{"no_speech"}}},
		Words:    []Word{{Word: "hi", Start: 0.5, End: 0.7}},
	}
	shifted := r.Shift(10)

	require.Equal(t, 10.5, shifted.Segments[0].Start)
	require.Equal(t, 11.0, shifted.Segments[0].End)
	require.InDelta(t, 10.7, shifted.Words[0].End, 1e-9)
	require.Equal(t, 0.5, r.Segments[0].Start)

	shifted.Segments[0].Flags[0] = "changed"
	require.Equal(t, "no_speech", r.Segments[0].Flags[0])
}

func TestJoinText(t *testing.T) {
	t.Parallel()

	segments := []Segment{
		{Text: " hello "},
		{Text: "thanks for watching", LowConfidence: true},
		{Text: ""},
		{Text: "world"},
	}
	require.Equal(t, "hello thanks for watching world", JoinText(segments, false))
	require.Equal(t, "hello world", JoinText(segments, true))
}
