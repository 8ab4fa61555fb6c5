package whisper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOptionsAppliesKnownKeys(t *testing.T) {
	t.Parallel()

	params, err := ParseOptions(map[string]string{
		"language":                   "DE",
		"task":                       "translate",
		"temperature":                "0, 0.2,0.4",
		"beam_size":                  "3",
		"best_of":                    "2",
		"condition_on_previous_text": "true",
		"word_timestamps":            "1",
		"prompt":                     "names: Ada",
	}, DefaultDecodeParams())
	require.NoError(t, err)

	require.Equal(t, "de", params.Language)
	require.Equal(t, TaskTranslate, params.Task)
	require.Equal(t, []float64{0, 0.2, 0.4}, params.Temperatures)
	require.Equal(t, 3, params.BeamSize)
	require.Equal(t, 2, params.BestOf)
	require.True(t, params.ConditionOnPreviousText)
	require.True(t, params.WordTimestamps)
	require.Equal(t, "names: Ada", params.Prompt)
	require.Equal(t, "translation", params.ResultTask())
}

func TestParseOptionsKeepsBaseForEmptyValues(t *testing.T) {
	t.Parallel()

	base := DefaultDecodeParams()
	params, err := ParseOptions(map[string]string{"language": "", "beam_size": " "}, base)
	require.NoError(t, err)
	require.Equal(t, base, params)
	require.True(t, params.AutoLanguage())
	require.False(t, params.ConditionOnPreviousText)
}

func TestParseOptionsRejectsUnknownKey(t *testing.T) {
	t.Parallel()

	_, err := ParseOptions(map[string]string{"patience": "2"}, DefaultDecodeParams())
	require.ErrorIs(t, err, ErrUnknownOption)
	require.Contains(t, err.Error(), "patience")
}

func TestParseOptionsRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]string{
		"bad int":            {"beam_size": "many"},
		"beam out of range":  {"beam_size": "0"},
		"bad bool":           {"word_timestamps": "perhaps"},
		"bad task":           {"task": "summarize"},
		"bad language":       {"language": "english"},
		"temperature range":  {"temperature": "1.5"},
		"temperature order":  {"temperature": "0.4,0.2"},
		"temperature format": {"temperature": "warm"},
	}

	for name, options := range cases {
		options := options
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseOptions(options, DefaultDecodeParams())
			require.ErrorIs(t, err, ErrInvalidOption)
		})
	}
}

func TestParseOptionsDoesNotAliasBaseSchedule(t *testing.T) {
	t.Parallel()

	base := DefaultDecodeParams()
	params, err := ParseOptions(nil, base)
	require.NoError(t, err)

	params.Temperatures[0] = 0.5
	require.Equal(t, 0.0, base.Temperatures[0])
}
