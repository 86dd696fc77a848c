package kademlia

import (
	"sync"
	"time"

	"github.com/gauss-project/kadtable/internal/lockorder"
	"github.com/gauss-project/kadtable/pkg/overlay"
)

// desiredByAddress is a desired peer known by identity, with an optional URI
// hint used to help the transport reconnect.
type desiredByAddress struct {
	address overlay.Address
	uriHint string
}

// DesiredPeerSet tracks peers the operator has explicitly asked to stay
// connected, overriding ordinary eviction heuristics until their expiry. It
// carries its own lock (desiredMu). The table's mutex, when both are
// needed, is always taken first: code holding desiredMu must release it
// before touching the table (see internal/lockorder for the debug-build
// assertion of that rule).
type DesiredPeerSet struct {
	desiredMu sync.Mutex

	clock Clock

	// order holds the desiredPeers addresses in insertion order so ProposePermanentConnections
	// can report desired peers deterministically, in the order they were
	// added.
	order         []overlay.Address
	desiredPeers  map[string]desiredByAddress // keyed by Address.ByteString()
	desiredURIs   map[string]struct{}         // pending address resolution
	connExpiry    map[string]time.Time        // keyed by Address.ByteString()
	desiredExpiry map[string]time.Time        // keyed by URI
}

// NewDesiredPeerSet constructs an empty DesiredPeerSet driven by clock.
func NewDesiredPeerSet(clock Clock) *DesiredPeerSet {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DesiredPeerSet{
		clock:         clock,
		desiredPeers:  make(map[string]desiredByAddress),
		desiredURIs:   make(map[string]struct{}),
		connExpiry:    make(map[string]time.Time),
		desiredExpiry: make(map[string]time.Time),
	}
}

// lock and unlock wrap desiredMu so debug builds can stamp the calling
// goroutine as holding the desired-peer lock and catch any later attempt to
// take the table mutex on top of it.
func (d *DesiredPeerSet) lock() {
	lockorder.BeforeLockDesired()
	d.desiredMu.Lock()
}

func (d *DesiredPeerSet) unlock() {
	d.desiredMu.Unlock()
	lockorder.AfterUnlockDesired()
}

// AddDesiredPeer records addr as desired until expiry, optionally with a URI
// hint for reconnection.
func (d *DesiredPeerSet) AddDesiredPeer(addr overlay.Address, uriHint string, expiry time.Time) {
	d.lock()
	defer d.unlock()

	key := addr.ByteString()
	if _, exists := d.desiredPeers[key]; !exists {
		d.order = append(d.order, addr)
	}
	d.desiredPeers[key] = desiredByAddress{address: addr, uriHint: uriHint}
	d.connExpiry[key] = expiry
}

// AddDesiredURI records uri as desired until expiry, identity not yet known.
func (d *DesiredPeerSet) AddDesiredURI(uri string, expiry time.Time) {
	d.lock()
	defer d.unlock()

	d.desiredURIs[uri] = struct{}{}
	d.desiredExpiry[uri] = expiry
}

// RemoveDesiredPeer drops addr from the desired set, if present.
func (d *DesiredPeerSet) RemoveDesiredPeer(addr overlay.Address) {
	d.lock()
	defer d.unlock()

	key := addr.ByteString()
	if _, exists := d.desiredPeers[key]; !exists {
		return
	}
	delete(d.desiredPeers, key)
	delete(d.connExpiry, key)
	for i, a := range d.order {
		if a.Equal(addr) {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// TrimDesiredPeers drops every entry (address or URI) whose expiry is in the
// past.
func (d *DesiredPeerSet) TrimDesiredPeers() {
	d.lock()
	defer d.unlock()

	now := d.clock.Now()

	for key, expiry := range d.connExpiry {
		if now.After(expiry) {
			delete(d.desiredPeers, key)
			delete(d.connExpiry, key)
			for i, a := range d.order {
				if a.ByteString() == key {
					d.order = append(d.order[:i], d.order[i+1:]...)
					break
				}
			}
		}
	}
	for uri, expiry := range d.desiredExpiry {
		if now.After(expiry) {
			delete(d.desiredURIs, uri)
			delete(d.desiredExpiry, uri)
		}
	}
}

// ConvertDesiredUrisToAddresses promotes any desired-by-URI entry whose
// address is now known, via resolve, into a desired-by-address entry.
// resolve is typically the table's own GetAddressFromUri, which takes the
// table mutex, so it is never invoked while desiredMu is held: the pending
// URIs are snapshotted first, resolved with no lock held, and the
// promotions applied in a second critical section. A URI removed
// concurrently between the two sections is simply not promoted.
func (d *DesiredPeerSet) ConvertDesiredUrisToAddresses(resolve func(uri string) (overlay.Address, bool)) {
	d.lock()
	pending := make([]string, 0, len(d.desiredURIs))
	for uri := range d.desiredURIs {
		pending = append(pending, uri)
	}
	d.unlock()

	resolved := make(map[string]overlay.Address, len(pending))
	for _, uri := range pending {
		if addr, ok := resolve(uri); ok {
			resolved[uri] = addr
		}
	}
	if len(resolved) == 0 {
		return
	}

	d.lock()
	defer d.unlock()

	for uri, addr := range resolved {
		if _, still := d.desiredURIs[uri]; !still {
			continue
		}
		expiry := d.desiredExpiry[uri]
		key := addr.ByteString()
		if _, exists := d.desiredPeers[key]; !exists {
			d.order = append(d.order, addr)
		}
		d.desiredPeers[key] = desiredByAddress{address: addr, uriHint: uri}
		d.connExpiry[key] = expiry

		delete(d.desiredURIs, uri)
		delete(d.desiredExpiry, uri)
	}
}

// ClearDesired removes every desired-by-address and desired-by-URI entry.
func (d *DesiredPeerSet) ClearDesired() {
	d.lock()
	defer d.unlock()

	d.order = nil
	d.desiredPeers = make(map[string]desiredByAddress)
	d.desiredURIs = make(map[string]struct{})
	d.connExpiry = make(map[string]time.Time)
	d.desiredExpiry = make(map[string]time.Time)
}

// DesiredAddresses returns the known desired peers, in insertion order.
func (d *DesiredPeerSet) DesiredAddresses() []overlay.Address {
	d.lock()
	defer d.unlock()

	out := make([]overlay.Address, len(d.order))
	copy(out, d.order)
	return out
}

// IsDesired reports whether addr currently has a live desired-by-address
// entry.
func (d *DesiredPeerSet) IsDesired(addr overlay.Address) bool {
	d.lock()
	defer d.unlock()

	_, ok := d.desiredPeers[addr.ByteString()]
	return ok
}

// desiredSnapshot is used by the persistence codec, which needs a point-in-
// time copy of all four desired-set collections without re-deriving them
// through the public API.
type desiredSnapshot struct {
	peers      []desiredByAddress
	uris       []string
	connExpiry map[string]time.Time
	uriExpiry  map[string]time.Time
}

func (d *DesiredPeerSet) snapshot() desiredSnapshot {
	d.lock()
	defer d.unlock()

	s := desiredSnapshot{
		connExpiry: make(map[string]time.Time, len(d.connExpiry)),
		uriExpiry:  make(map[string]time.Time, len(d.desiredExpiry)),
	}
	for _, addr := range d.order {
		s.peers = append(s.peers, d.desiredPeers[addr.ByteString()])
	}
	for uri := range d.desiredURIs {
		s.uris = append(s.uris, uri)
	}
	for k, v := range d.connExpiry {
		s.connExpiry[k] = v
	}
	for k, v := range d.desiredExpiry {
		s.uriExpiry[k] = v
	}
	return s
}

func (d *DesiredPeerSet) restore(s desiredSnapshot) {
	d.lock()
	defer d.unlock()

	d.order = nil
	d.desiredPeers = make(map[string]desiredByAddress)
	d.desiredURIs = make(map[string]struct{})
	d.connExpiry = make(map[string]time.Time)
	d.desiredExpiry = make(map[string]time.Time)

	for _, p := range s.peers {
		key := p.address.ByteString()
		d.order = append(d.order, p.address)
		d.desiredPeers[key] = p
	}
	for k, v := range s.connExpiry {
		d.connExpiry[k] = v
	}
	for _, uri := range s.uris {
		d.desiredURIs[uri] = struct{}{}
	}
	for k, v := range s.uriExpiry {
		d.desiredExpiry[k] = v
	}
}
