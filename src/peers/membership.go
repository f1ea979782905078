package peers

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// MembershipSet is the set of peer IDs currently admitted to the subnet. It is
// safe for concurrent use.
type MembershipSet struct {
	set mapset.Set[string]
}

// NewMembershipSet creates an empty set.
func NewMembershipSet() *MembershipSet {
	return &MembershipSet{set: mapset.NewSet[string]()}
}

// Add admits a peer. It returns false if the peer was already a member.
func (m *MembershipSet) Add(peerID string) bool {
	return m.set.Add(peerID)
}

// Remove evicts a peer. Removing a non-member is a no-op.
func (m *MembershipSet) Remove(peerID string) {
	m.set.Remove(peerID)
}

// Contains reports whether the peer is a member.
func (m *MembershipSet) Contains(peerID string) bool {
	return m.set.Contains(peerID)
}

// Len returns the number of members.
func (m *MembershipSet) Len() int {
	return m.set.Cardinality()
}

// IDs returns the members in lexical order.
func (m *MembershipSet) IDs() []string {
	ids := m.set.ToSlice()
	sort.Strings(ids)
	return ids
}
