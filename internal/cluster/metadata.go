package cluster

import (
	"github.com/vonnegut/vonnegut/internal/registry"
	"github.com/vonnegut/vonnegut/internal/wire"
)

// NodeAssignment derives a stable, process-wide node-id space from a
// static ChainMap: every distinct replica endpoint across every
// configured chain gets one id, assigned once in chain/replica order,
// so a node serving several chains keeps the same id in all of them.
// It implements registry.ChainLookup, which is how the registry
// answers get_chain. Metadata responses number their brokers densely
// per response (head i, tail i+1 iff the endpoint differs) rather than
// with these process-wide ids; see the connection handler's metadata
// path.
type NodeAssignment struct {
	chains *ChainMap
	ids    map[Endpoint]int32
	order  []Endpoint
}

// NewNodeAssignment walks chains once, in configuration order, to
// build the id table. The table never changes afterward, so readers
// need no lock.
func NewNodeAssignment(chains *ChainMap) *NodeAssignment {
	na := &NodeAssignment{chains: chains, ids: make(map[Endpoint]int32)}
	for _, entry := range chains.All() {
		for _, ep := range entry.Replicas {
			if _, ok := na.ids[ep]; ok {
				continue
			}
			na.ids[ep] = int32(len(na.order))
			na.order = append(na.order, ep)
		}
	}
	return na
}

// IDFor returns ep's dense node id.
func (na *NodeAssignment) IDFor(ep Endpoint) (int32, bool) {
	id, ok := na.ids[ep]
	return id, ok
}

// Broker returns the BrokerMetadata entry for a previously assigned
// node id.
func (na *NodeAssignment) Broker(id int32) (wire.BrokerMetadata, bool) {
	if id < 0 || int(id) >= len(na.order) {
		return wire.BrokerMetadata{}, false
	}
	ep := na.order[id]
	return wire.BrokerMetadata{NodeID: id, Host: ep.Host, Port: int32(ep.Port)}, true
}

// ChainFor implements registry.ChainLookup.
func (na *NodeAssignment) ChainFor(topic string) (registry.Chain, bool) {
	entry, ok := na.chains.ChainFor(topic)
	if !ok {
		return registry.Chain{}, false
	}
	headID, ok := na.IDFor(entry.Head())
	if !ok {
		return registry.Chain{}, false
	}
	tailID := headID
	if entry.Tail() != entry.Head() {
		tailID, ok = na.IDFor(entry.Tail())
		if !ok {
			return registry.Chain{}, false
		}
	}
	return registry.Chain{HeadID: headID, TailID: tailID}, true
}

// LocalRole validates that self occupies a single, consistent role
// across every chain it participates in and returns that role. A node
// listed as head of one chain and middle of another is a
// configuration error: the listener accepting connections for this
// process only knows one role to tag them with.
func LocalRole(chains *ChainMap, self Endpoint) (wire.Role, bool, error) {
	var role wire.Role
	var seen bool
	for _, entry := range chains.All() {
		r, _, _, ok := entry.RoleOf(self)
		if !ok {
			continue
		}
		if !seen {
			role, seen = r, true
			continue
		}
		if r != role {
			return wire.RoleUndefined, false, errInconsistentRole(self)
		}
	}
	return role, seen, nil
}

type inconsistentRoleError struct{ self Endpoint }

func errInconsistentRole(self Endpoint) error { return inconsistentRoleError{self} }

func (e inconsistentRoleError) Error() string {
	return "cluster: " + e.self.String() + " is assigned inconsistent roles across configured chains"
}
