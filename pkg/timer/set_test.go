package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	var s Set
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Snapshot())

	src := &manualSource{}
	a := New(1, ProcessTime, src)
	b := New(2, WallTime, src)

	s.Add(a)
	s.Add(b)
	s.Add(a)
	assert.Equal(t, []*Timer{a, b}, s.Snapshot())

	before := s.Snapshot()
	assert.True(t, s.Remove(a))
	assert.False(t, s.Remove(a))
	assert.Equal(t, []*Timer{b}, s.Snapshot())
	// earlier snapshots are not affected by later writes
	assert.Equal(t, []*Timer{a, b}, before)
}
