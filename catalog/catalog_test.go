package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macroflight/frankenrouter/keyword"
)

const goodData = `
[Aerowinx Precision Simulator - Variables]
[Version 10.180]

[Qs Types (strings)]
Qs0="CfgRego"; Mode=ECON; Min=0; Max=8;
Qs1="CfgSelcal"; Mode=ECON; Min=0; Max=8;
Qs411="CduRteCa"; Mode=ECON; Min=15; Max=50000;
Qs468="FansDnResp"; Mode=DELTA; Min=0; Max=500;
Qs493="DestRwy"; Mode=START; Min=0; Max=3;
Qi224="AtcPhase"; Mode=ECON; Min=0; Max=99;
`

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(goodData))
	require.NoError(t, err)
	assert.Equal(t, 6, c.Len())

	m, ok := c.ModeOf("Qs0")
	require.True(t, ok)
	assert.Equal(t, keyword.ModeECON, m)

	m, ok = c.ModeOf("Qs468")
	require.True(t, ok)
	assert.Equal(t, keyword.ModeDELTA, m)

	_, ok = c.ModeOf("Qs999")
	assert.False(t, ok)
}

func TestParseRejectsUnknownMode(t *testing.T) {
	_, err := Parse(strings.NewReader(`Qs0="X"; Mode=WEIRD; Min=0; Max=1;`))
	assert.Error(t, err)
}

func TestKeywordsWithMode(t *testing.T) {
	c, err := Parse(strings.NewReader(goodData))
	require.NoError(t, err)

	assert.Equal(t, []string{"Qs468"}, c.KeywordsWithMode(keyword.ModeDELTA))
	assert.Equal(t, []string{"Qs493"}, c.KeywordsWithMode(keyword.ModeSTART))

	// Qs493 also behaves as ECON via the augmentation table
	econ := c.KeywordsWithMode(keyword.ModeECON)
	assert.Contains(t, econ, "Qs493")
	assert.Contains(t, econ, "Qi224")
}

func TestAugmentation(t *testing.T) {
	c, err := Parse(strings.NewReader(goodData))
	require.NoError(t, err)

	assert.True(t, c.IsNoLong("Qs411"))
	assert.False(t, c.IsNoLong("Qs0"))

	assert.True(t, c.HasMode("Qs493", keyword.ModeSTART))
	assert.True(t, c.HasMode("Qs493", keyword.ModeECON))

	// START-but-not-ECON drives the welcome's awaiting-START window;
	// Qs493 is excluded by its augmented ECON mode
	assert.Empty(t, c.StartNotEcon())
}

func TestStartNotEcon(t *testing.T) {
	c, err := Parse(strings.NewReader(`
Qs122="StartPos"; Mode=START; Min=0; Max=64;
Qs493="DestRwy"; Mode=START; Min=0; Max=3;
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Qs122"}, c.StartNotEcon())
}
