// Package cluster holds the static view of who is in the Raft cluster.
//
// Dynamic membership changes (adding or removing a voting member while
// the cluster is running) are out of scope here: the set of nodes and
// their addresses is fixed at process startup from configuration and
// never mutates afterward. That keeps quorum-size arithmetic a single
// read of an immutable slice rather than state the Raft log itself has
// to replicate.
package cluster

import "fmt"

// Member is one voting participant in the cluster.
type Member struct {
	ID      string
	Address string
}

// Config is the immutable set of cluster members, built once from a
// node's own id/address and its configured peers.
type Config struct {
	self    string
	members map[string]Member
	order   []string
}

// NewConfig builds a static cluster view. selfID/selfAddr identify this
// node; peers maps every other node's id to its dial address.
func NewConfig(selfID, selfAddr string, peers map[string]string) (*Config, error) {
	if selfID == "" {
		return nil, fmt.Errorf("cluster: node id must not be empty")
	}

	c := &Config{
		self:    selfID,
		members: make(map[string]Member, len(peers)+1),
	}
	c.members[selfID] = Member{ID: selfID, Address: selfAddr}
	c.order = append(c.order, selfID)

	for id, addr := range peers {
		if id == selfID {
			continue
		}
		if _, exists := c.members[id]; exists {
			return nil, fmt.Errorf("cluster: duplicate member id %q", id)
		}
		c.members[id] = Member{ID: id, Address: addr}
		c.order = append(c.order, id)
	}

	return c, nil
}

// Self returns this node's own id.
func (c *Config) Self() string { return c.self }

// Size returns the total number of voting members, including self.
func (c *Config) Size() int { return len(c.members) }

// Quorum returns the number of votes needed for a majority.
func (c *Config) Quorum() int { return len(c.members)/2 + 1 }

// NodeIDs returns every member id, including self, in a stable order.
func (c *Config) NodeIDs() []string {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

// PeerIDs returns every member id other than self.
func (c *Config) PeerIDs() []string {
	ids := make([]string, 0, len(c.members)-1)
	for _, id := range c.order {
		if id != c.self {
			ids = append(ids, id)
		}
	}
	return ids
}

// Address resolves a member id to its dial address.
func (c *Config) Address(id string) (string, bool) {
	m, ok := c.members[id]
	return m.Address, ok
}

// HasMember reports whether id is a known cluster member.
func (c *Config) HasMember(id string) bool {
	_, ok := c.members[id]
	return ok
}
