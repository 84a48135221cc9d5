package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortNumericRuns(t *testing.T) {
	got := Sort([]string{"Qs1", "Qs100", "Qs999", "Qs42"})
	assert.Equal(t, []string{"Qs1", "Qs42", "Qs100", "Qs999"}, got)
}

func TestSortMixedPrefixes(t *testing.T) {
	got := Sort([]string{"Qs2", "Qi10", "Qi2", "Ls0", "Qh1"})
	assert.Equal(t, []string{"Ls0", "Qh1", "Qi2", "Qi10", "Qs2"}, got)
}

func TestSortIsTotalOrder(t *testing.T) {
	in := []string{"Qs10", "Qs2", "Qs2", "Qi1"}
	once := Sort(in)
	twice := Sort(once)
	assert.Equal(t, once, twice)

	// equal numeric runs compare equal
	assert.False(t, Less("Qs042", "Qs42"))
	assert.False(t, Less("Qs42", "Qs042"))
}

func TestSortDoesNotMutateInput(t *testing.T) {
	in := []string{"Qs2", "Qs1"}
	Sort(in)
	assert.Equal(t, []string{"Qs2", "Qs1"}, in)
}
