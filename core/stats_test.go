package core

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariableStatsDisabled(t *testing.T) {
	s := NewVariableStats(false)
	s.Add("Qi0", "upstream")
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.TopKeywords(5))
}

func TestVariableStatsTop(t *testing.T) {
	s := NewVariableStats(true)
	for i := 0; i < 3; i++ {
		s.Add("Qi0", "upstream")
	}
	s.Add("Qs121", "1.2.3.4:5")
	s.Add("Qs121", "upstream")
	s.Add("Qh426", "1.2.3.4:5")

	top := s.TopKeywords(2)
	assert.Equal(t, []Count{{"Qi0", 3}, {"Qs121", 2}}, top)

	eps := s.TopEndpoints(5)
	assert.Equal(t, []Count{{"upstream", 4}, {"1.2.3.4:5", 2}}, eps)
}

func TestVariableStatsTrim(t *testing.T) {
	s := NewVariableStats(true)
	for i := 0; i < variableStatsKeep+100; i++ {
		s.Add("Qi"+strconv.Itoa(i%7), "upstream")
	}
	assert.Equal(t, 100, s.Trim())
	assert.Equal(t, variableStatsKeep, s.Len())
	assert.Equal(t, 0, s.Trim())
}
