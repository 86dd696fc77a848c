package kademlia

import (
	"time"

	"github.com/gauss-project/kadtable/pkg/overlay"
)

// DefaultMaxLiveness is the value ReportLiveliness saturates at.
const DefaultMaxLiveness = 100

// PeerInfo describes one peer known to the table. A PeerInfo is shared by
// reference between the table's address index, URI index, and both bucket arrays: Go's
// garbage collector reclaims it once the last of those four references is
// dropped, so mutation is only ever safe under the table's mutex.
type PeerInfo struct {
	Address         overlay.Address
	KademliaAddress KademliaAddress
	URI             string

	// LastReporter names, but does not own, the peer that most recently
	// vouched for this record - looked up through the table's index on
	// demand to avoid a reference cycle that would complicate Dump.
	LastReporter overlay.Address

	Verified bool
	Liveness int
	LastSeen time.Time

	// TrustRank is assigned once, the first time a peer becomes Verified; a
	// lower value means it was verified earlier. It is the final tie-
	// breaker in bucket eviction and connection-proposal ordering, behind
	// Liveness and LastSeen.
	TrustRank uint64
}

// clone returns a shallow copy suitable for returning to callers, so that
// external mutation of the returned PeerInfo cannot corrupt the table's
// internal copy.
func (p *PeerInfo) clone() *PeerInfo {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
