package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddWLANMACsDedupesAndResolves(t *testing.T) {
	m := NewMemory()
	m.AddWLANMACs("primary-1", []string{"radio-a", "radio-b"})
	m.AddWLANMACs("primary-1", []string{"radio-b", "radio-c"})

	p, ok := m.ResolvePrimary("radio-c")
	require.True(t, ok)
	assert.Equal(t, "primary-1", p)
}

func TestIsLinkAdjacent(t *testing.T) {
	m := NewMemory()
	m.SetNeighbors("a", []string{"b", "c"})

	assert.True(t, m.IsLinkAdjacent("a", "b"))
	assert.False(t, m.IsLinkAdjacent("a", "z"))
}

func TestNodesByBoardID(t *testing.T) {
	m := NewMemory()
	m.SetBoardID("a", "NXP")
	m.SetBoardID("b", "NXP")
	m.SetBoardID("c", "QCA")

	nodes := m.NodesByBoardID("NXP")
	assert.ElementsMatch(t, []string{"a", "b"}, nodes)
}

func TestSetWiredLinkStatusPairKeyIsUnordered(t *testing.T) {
	m := NewMemory()
	m.SetWiredLinkStatus("a", "b", true)
	assert.True(t, m.wiredLinks[pairKey("b", "a")])
}
