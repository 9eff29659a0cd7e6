package segments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRulesSentences(t *testing.T) {
	text := "The TOE relies on BSI-DSZ-CC-0815-2012. It claims ALC_FLR.2 and\nAVA_VAN.5, e.g. for the chip! Is it composite?\n\nHeading without dot\nNext paragraph."
	got := NewRules().Sentences(text)
	assert.Equal(t, []string{
		"The TOE relies on BSI-DSZ-CC-0815-2012.",
		"It claims ALC_FLR.2 and AVA_VAN.5, e.g. for the chip!",
		"Is it composite?",
		"Heading without dot Next paragraph.",
	}, got)
	assert.Empty(t, NewRules().Sentences("  \n "))
}

type fixed []string

func (f fixed) Sentences(string) []string { return f }

func TestExtractWindows(t *testing.T) {
	seg := fixed{"s0 X", "s1", "s2 X", "s3 X", "s4 Y", "s5 X"}
	got := Extract(seg, "", "X", "Y")
	assert.Equal(t, []string{
		"s0 X s2 X",
		"s0 X s2 X s3 X s4 Y s5 X",
		"s2 X s3 X",
		"s2 X s3 X s4 Y s5 X",
		"s3 X s4 Y",
	}, got)
	assert.Nil(t, Extract(seg, "", "Z"))
	assert.Nil(t, Extract(seg, "", ""))
}

func TestExtractDefaultSegmenter(t *testing.T) {
	text := "Composite with ANSSI-CC-2010/40. Unrelated. Builds on ANSSI-CC-2010/40 again."
	assert.Equal(t, []string{
		"Builds on ANSSI-CC-2010/40 again.",
		"Composite with ANSSI-CC-2010/40. Builds on ANSSI-CC-2010/40 again.",
	}, Extract(nil, text, "ANSSI-CC-2010/40"))
}
