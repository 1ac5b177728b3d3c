package textproc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentences(t *testing.T) {
	t.Parallel()

	text := "We enrolled 120 patients.  Mortality fell by 3.5 points, e.g. in the ICU! Was it causal? Unclear."
	require.Equal(t, []string{
		"We enrolled 120 patients.",
		"Mortality fell by 3.5 points, e.g. in the ICU!",
		"Was it causal?",
		"Unclear.",
	}, Sentences(text))
	require.Nil(t, Sentences("   "))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	text := "One. Two. Three. Four."
	require.Equal(t, "One. Two. Three.", Truncate(text, 3))
	require.Equal(t, text, Truncate(text, 0))
	require.Equal(t, "No terminal punctuation", Truncate("No terminal   punctuation", 2))
}

func TestNormalizeKeywords(t *testing.T) {
	t.Parallel()

	got := NormalizeKeywords([]string{
		"1. Sepsis",
		"- ICU ",
		"\"sepsis\"",
		"3d printing",
		"* machine   learning.",
		"",
		"2) 1.5 mg dose",
	})
	require.Equal(t, []string{"sepsis", "icu", "3d printing", "machine learning", "1.5 mg dose"}, got)
}
