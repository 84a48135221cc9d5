package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeOf(t *testing.T) {
	assert.Equal(t, TypeInt, TypeOf("Qi123"))
	assert.Equal(t, TypeInt, TypeOf("Qh0"))
	assert.Equal(t, TypeString, TypeOf("Qs411"))
	assert.Equal(t, TypeString, TypeOf("Qd1"))
	assert.Equal(t, TypeInt, TypeOf("Li5"))
	assert.Equal(t, TypeInt, TypeOf("Lh5"))
	assert.Equal(t, TypeString, TypeOf("Ls0"))
	assert.Equal(t, TypeNone, TypeOf("Gurka"))
	assert.Equal(t, TypeNone, TypeOf("Q"))
	assert.Equal(t, TypeNone, TypeOf(""))
}

func TestIsProtocolKeyword(t *testing.T) {
	for _, k := range []string{
		"Qi0", "Qh426", "Qs121", "Ls0", "Li5",
		"load1", "load2", "load3", "start", "bang", "again", "exit",
		"nolong", "pleaseBeSoKindAndQuit", "layout",
		"id", "version", "metar", "name", "clientName", "demand",
		"gid", "lexicon", "keepalive",
	} {
		assert.True(t, IsProtocolKeyword(k), k)
	}
	for _, k := range []string{"Gurka", "", "Xy1", "LOAD1"} {
		assert.False(t, IsProtocolKeyword(k), k)
	}
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("ECON")
	assert.True(t, ok)
	assert.Equal(t, ModeECON, m)

	m, ok = ParseMode(" start ")
	assert.True(t, ok)
	assert.Equal(t, ModeSTART, m)

	_, ok = ParseMode("BOGUS")
	assert.False(t, ok)
}
