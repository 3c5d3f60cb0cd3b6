// Package cluster implements the chain-map side of the role/chain
// supervisor (component G): the static chain map, per-replica role and
// next-hop derivation, and the process-wide node-id table. Startup
// wiring of the registry, handler and listener lives in cmd/vonnegut.
package cluster

import (
	"github.com/vonnegut/vonnegut/internal/wire"
)

// Endpoint is a replica address within a chain.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string {
	if e.Port == 0 {
		return e.Host
	}
	return e.Host + ":" + itoa(e.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ChainEntry is one chain-map entry, per SPEC_FULL.md §3: a name, a
// head and tail endpoint (the public routing addresses a metadata
// response reports), the full ordered replica list used to derive
// every node's role and next-hop address, and a lexicographic
// half-open topic-name range.
type ChainEntry struct {
	Name string `yaml:"name"`

	// Replicas is the ordered head-to-tail replica list. Replicas[0] is
	// the head; Replicas[len-1] is the tail. A single-element list means
	// this chain's sole node is solo (head == tail).
	Replicas []Endpoint `yaml:"replicas"`

	TopicsStart     string `yaml:"topics_start"`
	TopicsStartOpen bool   `yaml:"topics_start_open"`
	TopicsEnd       string `yaml:"topics_end"`
	TopicsEndOpen   bool   `yaml:"topics_end_open"`
}

// Head returns the chain's head endpoint.
func (c ChainEntry) Head() Endpoint { return c.Replicas[0] }

// Tail returns the chain's tail endpoint.
func (c ChainEntry) Tail() Endpoint { return c.Replicas[len(c.Replicas)-1] }

// Covers reports whether topic falls within this chain's half-open
// topic-name range: topics_start <= topic < topics_end, with either
// endpoint open (unbounded) when its *Open flag is set.
func (c ChainEntry) Covers(topic string) bool {
	if !c.TopicsStartOpen && topic < c.TopicsStart {
		return false
	}
	if !c.TopicsEndOpen && topic >= c.TopicsEnd {
		return false
	}
	return true
}

// roleAt returns the role of the replica at index i within the chain
// and, for head/middle roles, the address of its next hop.
func (c ChainEntry) roleAt(i int) (wire.Role, Endpoint, bool) {
	n := len(c.Replicas)
	switch {
	case n == 1:
		return wire.RoleSolo, Endpoint{}, false
	case i == 0:
		return wire.RoleHead, c.Replicas[1], true
	case i == n-1:
		return wire.RoleTail, Endpoint{}, false
	default:
		return wire.RoleMiddle, c.Replicas[i+1], true
	}
}

// RoleOf returns self's role within the chain and its next-hop
// endpoint (if any), or ok=false if self does not appear in the
// replica list.
func (c ChainEntry) RoleOf(self Endpoint) (role wire.Role, next Endpoint, hasNext bool, ok bool) {
	for i, ep := range c.Replicas {
		if ep == self {
			role, next, hasNext = c.roleAt(i)
			return role, next, hasNext, true
		}
	}
	return wire.RoleUndefined, Endpoint{}, false, false
}

// ChainMap is the static, process-wide routing table loaded from
// configuration. It is never modified after NewChainMap, so readers
// need no lock; there is no reload path.
type ChainMap struct {
	entries []ChainEntry
}

func NewChainMap(entries []ChainEntry) *ChainMap {
	return &ChainMap{entries: append([]ChainEntry(nil), entries...)}
}

// ChainFor returns the chain entry covering topic, if any. The pack's
// topic ranges are expected to partition the keyspace without overlap;
// the first covering entry wins if they do not.
func (m *ChainMap) ChainFor(topic string) (ChainEntry, bool) {
	for _, c := range m.entries {
		if c.Covers(topic) {
			return c, true
		}
	}
	return ChainEntry{}, false
}

// All returns every configured chain, in configuration order.
func (m *ChainMap) All() []ChainEntry {
	return append([]ChainEntry(nil), m.entries...)
}
