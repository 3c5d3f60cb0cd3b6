package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vonnegut/vonnegut/internal/wire"
)

func threeNodeChain() ChainEntry {
	return ChainEntry{
		Name:            "default",
		Replicas:        []Endpoint{{Host: "h1", Port: 5555}, {Host: "m1", Port: 5555}, {Host: "t1", Port: 5555}},
		TopicsStartOpen: true,
		TopicsEndOpen:   true,
	}
}

func TestChainEntryRoleOf(t *testing.T) {
	c := threeNodeChain()

	role, next, hasNext, ok := c.RoleOf(Endpoint{Host: "h1", Port: 5555})
	require.True(t, ok)
	require.Equal(t, wire.RoleHead, role)
	require.True(t, hasNext)
	require.Equal(t, Endpoint{Host: "m1", Port: 5555}, next)

	role, next, hasNext, ok = c.RoleOf(Endpoint{Host: "m1", Port: 5555})
	require.True(t, ok)
	require.Equal(t, wire.RoleMiddle, role)
	require.True(t, hasNext)
	require.Equal(t, Endpoint{Host: "t1", Port: 5555}, next)

	role, _, hasNext, ok = c.RoleOf(Endpoint{Host: "t1", Port: 5555})
	require.True(t, ok)
	require.Equal(t, wire.RoleTail, role)
	require.False(t, hasNext)

	_, _, _, ok = c.RoleOf(Endpoint{Host: "ghost", Port: 1})
	require.False(t, ok)
}

func TestChainEntrySoloRole(t *testing.T) {
	c := ChainEntry{Name: "solo", Replicas: []Endpoint{{Host: "s1", Port: 5555}}, TopicsStartOpen: true, TopicsEndOpen: true}
	role, _, hasNext, ok := c.RoleOf(Endpoint{Host: "s1", Port: 5555})
	require.True(t, ok)
	require.Equal(t, wire.RoleSolo, role)
	require.False(t, hasNext)
}

func TestChainEntryCoversHalfOpenRange(t *testing.T) {
	c := ChainEntry{TopicsStart: "m", TopicsEnd: "t"}
	require.False(t, c.Covers("apple"))
	require.True(t, c.Covers("orders"))
	require.True(t, c.Covers("m"))
	require.False(t, c.Covers("t"))
	require.False(t, c.Covers("zebra"))
}

func TestChainEntryCoversOpenEndpoints(t *testing.T) {
	startOpen := ChainEntry{TopicsStartOpen: true, TopicsEnd: "m"}
	require.True(t, startOpen.Covers("aardvark"))
	require.False(t, startOpen.Covers("zebra"))

	endOpen := ChainEntry{TopicsStart: "m", TopicsEndOpen: true}
	require.True(t, endOpen.Covers("zebra"))
	require.False(t, endOpen.Covers("apple"))
}

func TestChainMapChainFor(t *testing.T) {
	orders := ChainEntry{Name: "orders-chain", TopicsStart: "a", TopicsEnd: "m", Replicas: []Endpoint{{Host: "h1"}}}
	rest := ChainEntry{Name: "rest-chain", TopicsStart: "m", TopicsEndOpen: true, Replicas: []Endpoint{{Host: "h2"}}}
	m := NewChainMap([]ChainEntry{orders, rest})

	entry, ok := m.ChainFor("apple")
	require.True(t, ok)
	require.Equal(t, "orders-chain", entry.Name)

	entry, ok = m.ChainFor("zebra")
	require.True(t, ok)
	require.Equal(t, "rest-chain", entry.Name)
}

func TestChainMapChainForUnknownTopic(t *testing.T) {
	m := NewChainMap([]ChainEntry{{TopicsStart: "a", TopicsEnd: "b"}})
	_, ok := m.ChainFor("zebra")
	require.False(t, ok)
}

func TestNodeAssignmentDensePerEndpoint(t *testing.T) {
	shared := Endpoint{Host: "h1", Port: 5555}
	c1 := ChainEntry{Replicas: []Endpoint{shared, {Host: "m1", Port: 5555}}, TopicsStartOpen: true, TopicsEnd: "m"}
	c2 := ChainEntry{Replicas: []Endpoint{shared}, TopicsStart: "m", TopicsEndOpen: true}
	m := NewChainMap([]ChainEntry{c1, c2})

	na := NewNodeAssignment(m)

	id1, ok := na.IDFor(shared)
	require.True(t, ok)
	idAgain, ok := na.IDFor(shared)
	require.True(t, ok)
	require.Equal(t, id1, idAgain, "the same endpoint across chains must reuse one dense id")

	idMiddle, ok := na.IDFor(Endpoint{Host: "m1", Port: 5555})
	require.True(t, ok)
	require.NotEqual(t, id1, idMiddle)

	b, ok := na.Broker(id1)
	require.True(t, ok)
	require.Equal(t, "h1", b.Host)
}

func TestNodeAssignmentChainForSameHeadAndTailReusesID(t *testing.T) {
	solo := Endpoint{Host: "s1", Port: 5555}
	m := NewChainMap([]ChainEntry{{Replicas: []Endpoint{solo}, TopicsStartOpen: true, TopicsEndOpen: true}})
	na := NewNodeAssignment(m)

	ch, ok := na.ChainFor("anything")
	require.True(t, ok)
	require.Equal(t, ch.HeadID, ch.TailID)
}

func TestLocalRoleDetectsInconsistentAssignment(t *testing.T) {
	self := Endpoint{Host: "n1", Port: 5555}
	other := Endpoint{Host: "n2", Port: 5555}

	headChain := ChainEntry{Replicas: []Endpoint{self, other}, TopicsStart: "a", TopicsEnd: "m"}
	tailChain := ChainEntry{Replicas: []Endpoint{other, self}, TopicsStart: "m", TopicsEndOpen: true}
	m := NewChainMap([]ChainEntry{headChain, tailChain})

	_, _, err := LocalRole(m, self)
	require.Error(t, err)
}

func TestLocalRoleConsistentAcrossChains(t *testing.T) {
	self := Endpoint{Host: "n1", Port: 5555}
	other := Endpoint{Host: "n2", Port: 5555}

	c1 := ChainEntry{Replicas: []Endpoint{self, other}, TopicsStart: "a", TopicsEnd: "m"}
	c2 := ChainEntry{Replicas: []Endpoint{self, other}, TopicsStart: "m", TopicsEndOpen: true}
	m := NewChainMap([]ChainEntry{c1, c2})

	role, assigned, err := LocalRole(m, self)
	require.NoError(t, err)
	require.True(t, assigned)
	require.Equal(t, wire.RoleHead, role)
}

func TestLocalRoleUnassigned(t *testing.T) {
	m := NewChainMap([]ChainEntry{{Replicas: []Endpoint{{Host: "other"}}, TopicsStartOpen: true, TopicsEndOpen: true}})
	_, assigned, err := LocalRole(m, Endpoint{Host: "ghost"})
	require.NoError(t, err)
	require.False(t, assigned)
}
