package netiso

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocateIsStableAndUnique(t *testing.T) {
	m := New()
	a := m.Allocate("job-1")
	b := m.Allocate("job-1")
	assert.Equal(t, a.Subnet, b.Subnet)

	c := m.Allocate("job-2")
	assert.NotEqual(t, a.Subnet, c.Subnet)
}

func TestReleaseForgetsAllocation(t *testing.T) {
	m := New()
	m.Allocate("job-1")
	m.Release("job-1")

	_, ok := m.Lookup("job-1")
	assert.False(t, ok)
}
