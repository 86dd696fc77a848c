package kademlia

import (
	"crypto/rand"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"

	"github.com/gauss-project/kadtable/pkg/kademlia/internal/kmetrics"
	"github.com/gauss-project/kadtable/pkg/logging"
	"github.com/gauss-project/kadtable/pkg/overlay"

	"github.com/gauss-project/kadtable/internal/lockorder"
)

// KademliaTable is the routing table for a single local node. It keeps two
// parallel bucket arrays over the same peer set - one indexed by logarithmic
// (XOR bit-length) distance, one by Hamming distance - plus address and URI
// indexes and a separately-locked set of "desired" peers the operator has
// pinned.
//
// The zero value is not usable; construct with New. All exported methods are
// safe for concurrent use. mu guards the indexes and both bucket arrays;
// desired carries its own lock. Code that needs both must take mu first -
// see internal/lockorder for the debug-build assertion of that order.
type KademliaTable struct {
	ownAddress overlay.Address
	ownKad     KademliaAddress

	hasher AddressHasher
	clock  Clock
	logger logging.Logger
	k      int

	networkID string

	mu            sync.RWMutex
	byLogarithm   []*bucket
	byHamming     []*bucket
	knownPeers    map[string]*PeerInfo // keyed by Address.ByteString()
	knownURIs     map[string]*PeerInfo // keyed by URI
	firstNonEmpty int

	nextTrustRank atomic.Uint64

	desired *DesiredPeerSet

	persist persistConfig

	metrics kmetrics.Metrics
}

// New constructs a KademliaTable for own, the local node's own address.
func New(own overlay.Address, opts Options) *KademliaTable {
	opts = opts.withDefaults()
	if opts.Hasher == nil {
		opts.Hasher = defaultHasher{}
	}

	logger := opts.Logger
	if opts.NetworkID != "" {
		logger = logger.WithField("network_id", opts.NetworkID)
	}

	t := &KademliaTable{
		ownAddress:    own,
		hasher:        opts.Hasher,
		clock:         opts.Clock,
		logger:        logger,
		k:             opts.K,
		networkID:     opts.NetworkID,
		knownPeers:    make(map[string]*PeerInfo),
		knownURIs:     make(map[string]*PeerInfo),
		firstNonEmpty: AddressBits,
		desired:       NewDesiredPeerSet(opts.Clock),
		metrics:       kmetrics.New(),
	}
	t.ownKad = t.hasher.Hash(own)
	t.byLogarithm = newBucketArray(opts.K)
	t.byHamming = newBucketArray(opts.K)
	t.persist = persistConfig{filename: opts.Filename, fs: opts.FS}
	return t
}

func newBucketArray(k int) []*bucket {
	buckets := make([]*bucket, AddressBits+1)
	for i := range buckets {
		buckets[i] = newBucket(k)
	}
	return buckets
}

// defaultHasher is used only when the caller does not supply one and
// internal/kadcrypto is not imported here to avoid a dependency cycle; New
// callers in production are expected to pass kadcrypto.SHA1Hasher{} via
// Options.Hasher. This fallback exists so a zero-value Options still
// produces a working, if non-standard, table for quick experiments.
type defaultHasher struct{}

func (defaultHasher) Hash(a overlay.Address) KademliaAddress {
	var out KademliaAddress
	copy(out[:], a.Bytes())
	return out
}

// Collectors returns the table's prometheus collectors, for registration
// with a prometheus.Registerer.
func (t *KademliaTable) Collectors() []prometheus.Collector {
	return t.metrics.Collectors()
}

// OwnAddress returns the table's own address.
func (t *KademliaTable) OwnAddress() overlay.Address { return t.ownAddress }

// NetworkID returns the opaque network identifier the table was constructed
// with. It scopes logging; the table attaches no meaning to it.
func (t *KademliaTable) NetworkID() string { return t.networkID }

// Size returns the number of peers currently known to the table.
func (t *KademliaTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.knownPeers)
}

// ActiveBuckets returns the number of non-empty logarithmic buckets.
func (t *KademliaTable) ActiveBuckets() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.byLogarithm {
		if b.size() > 0 {
			n++
		}
	}
	return n
}

// FirstNonEmptyBucket returns the lowest logarithmic bucket index that holds
// at least one peer, or AddressBits if the table is empty.
func (t *KademliaTable) FirstNonEmptyBucket() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.firstNonEmpty
}

// advanceFirstNonEmptyBucket re-scans forward from the current cursor after
// it is vacated by an eviction or ReportFailure removal. Must be called with
// mu held for writing.
func (t *KademliaTable) advanceFirstNonEmptyBucket() {
	for t.firstNonEmpty < AddressBits && t.byLogarithm[t.firstNonEmpty].size() == 0 {
		t.firstNonEmpty++
	}
}

// GetPeerDetails returns a copy of the known PeerInfo for address, or
// ErrNotFound.
func (t *KademliaTable) GetPeerDetails(address overlay.Address) (*PeerInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.knownPeers[address.ByteString()]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

// HasUri reports whether uri is currently bound to a known peer.
func (t *KademliaTable) HasUri(uri string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.knownURIs[uri]
	return ok
}

// GetAddressFromUri returns the address bound to uri, or ErrNotFound.
func (t *KademliaTable) GetAddressFromUri(uri string) (overlay.Address, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.knownURIs[uri]
	if !ok {
		return overlay.Address{}, ErrNotFound
	}
	return p.Address, nil
}

// GetUri returns the URI bound to address, or ErrNotFound if address is
// unknown or has no URI.
func (t *KademliaTable) GetUri(address overlay.Address) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.knownPeers[address.ByteString()]
	if !ok || p.URI == "" {
		return "", ErrNotFound
	}
	return p.URI, nil
}

// FindPeer returns up to K peers closest to target by XOR distance, sorted
// nearest-first, searching outward from target's own logarithmic bucket.
func (t *KademliaTable) FindPeer(target overlay.Address) []*PeerInfo {
	return t.findPeerByLog(t.hasher.Hash(target), -1, true, true)
}

// FindPeerAt is FindPeer with an explicit starting bucket index and scan
// directions, for a caller resuming a previous bounded scan.
func (t *KademliaTable) FindPeerAt(target overlay.Address, logID int, scanLeft, scanRight bool) []*PeerInfo {
	return t.findPeerByLog(t.hasher.Hash(target), logID, scanLeft, scanRight)
}

func (t *KademliaTable) findPeerByLog(kamTarget KademliaAddress, logID int, scanLeft, scanRight bool) []*PeerInfo {
	lockorder.BeforeLockTable()
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := logID
	if start < 0 {
		start = LogID(t.ownKad, kamTarget)
	}
	collected := t.scanBuckets(t.byLogarithm, start, scanLeft, scanRight)
	sort.Slice(collected, func(i, j int) bool {
		return LessDistance(kamTarget, collected[i].KademliaAddress, collected[j].KademliaAddress)
	})
	return t.takeK(collected)
}

// FindPeerByHamming is identical in shape to FindPeer, but searches the
// Hamming-distance bucket array and orders results by Hamming distance to
// target rather than XOR magnitude.
func (t *KademliaTable) FindPeerByHamming(target overlay.Address) []*PeerInfo {
	return t.findPeerByHamming(t.hasher.Hash(target), -1, true, true)
}

// FindPeerByHammingAt is FindPeerByHamming with an explicit starting bucket
// and scan directions.
func (t *KademliaTable) FindPeerByHammingAt(target overlay.Address, hamID int, scanLeft, scanRight bool) []*PeerInfo {
	return t.findPeerByHamming(t.hasher.Hash(target), hamID, scanLeft, scanRight)
}

func (t *KademliaTable) findPeerByHamming(kamTarget KademliaAddress, hamID int, scanLeft, scanRight bool) []*PeerInfo {
	lockorder.BeforeLockTable()
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := hamID
	if start < 0 {
		start = HammingID(t.ownKad, kamTarget)
	}
	collected := t.scanBuckets(t.byHamming, start, scanLeft, scanRight)
	sort.Slice(collected, func(i, j int) bool {
		return HammingID(kamTarget, collected[i].KademliaAddress) < HammingID(kamTarget, collected[j].KademliaAddress)
	})
	return t.takeK(collected)
}

// scanBuckets walks outward from start across buckets, nearest index first,
// collecting peers until K distinct candidates are gathered or the scan
// exhausts its allowed directions. Must be called with mu held for reading.
func (t *KademliaTable) scanBuckets(buckets []*bucket, start int, scanLeft, scanRight bool) []*PeerInfo {
	seen := make(map[string]bool)
	collected := make([]*PeerInfo, 0, t.k*2)

	add := func(idx int) {
		if idx < 0 || idx > AddressBits {
			return
		}
		for _, p := range buckets[idx].peers() {
			key := p.Address.ByteString()
			if seen[key] {
				continue
			}
			seen[key] = true
			collected = append(collected, p)
		}
	}

	add(start)
	left, right := start-1, start+1
	for len(collected) < t.k && ((scanLeft && left >= 0) || (scanRight && right <= AddressBits)) {
		if scanLeft && left >= 0 {
			add(left)
			left--
		}
		if scanRight && right <= AddressBits {
			add(right)
			right++
		}
	}
	return collected
}

func (t *KademliaTable) takeK(sorted []*PeerInfo) []*PeerInfo {
	out := make([]*PeerInfo, 0, t.k)
	for _, p := range sorted {
		if p.Address.Equal(t.ownAddress) {
			continue
		}
		out = append(out, p.clone())
		if len(out) == t.k {
			break
		}
	}
	return out
}

// Ping verifies a peer by direct contact. If address is known, it is marked
// Verified (assigning a TrustRank if this is the first time), its liveness
// and last-seen are refreshed, and - if candidatePorts is non-empty and the
// peer's current URI has a resolvable host - its URI is updated to the host
// paired with the first candidate port. It returns an opaque token the
// caller can use to correlate a later out-of-band Pong, and false if address
// is not known to the table.
func (t *KademliaTable) Ping(address overlay.Address, candidatePorts []string) (token string, ok bool) {
	lockorder.BeforeLockTable()
	t.mu.Lock()
	defer t.mu.Unlock()

	p, found := t.knownPeers[address.ByteString()]
	if !found {
		return "", false
	}

	if len(candidatePorts) > 0 && p.URI != "" {
		if host, _, err := net.SplitHostPort(p.URI); err == nil {
			newURI := net.JoinHostPort(host, candidatePorts[0])
			if newURI != p.URI {
				delete(t.knownURIs, p.URI)
				p.URI = newURI
				t.knownURIs[newURI] = p
			}
		}
	}

	p.LastSeen = t.clock.Now()
	if p.Liveness < DefaultMaxLiveness {
		p.Liveness++
	}
	t.markVerifiedLocked(p)

	return randomToken(), true
}

func randomToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// SetCacheFile sets (or changes) the path and filesystem Dump/Load use. A
// nil fs leaves the current filesystem unchanged.
func (t *KademliaTable) SetCacheFile(filename string, fs afero.Fs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persist.filename = filename
	if fs != nil {
		t.persist.fs = fs
	}
}

// markVerifiedLocked assigns a TrustRank the first time a peer becomes
// Verified. Must be called with mu held for writing.
func (t *KademliaTable) markVerifiedLocked(p *PeerInfo) {
	if p.Verified {
		return
	}
	p.Verified = true
	p.TrustRank = t.nextTrustRank.Inc()
}

// ReportExistence upserts info as known to the table, attributed to
// reporter. If info.Address is already known, the two records are merged: an
// unverified record's URI is replaced by info's, LastReporter is updated,
// and a self-report (reporter == info.Address) verifies the peer. If
// info.Address is new, it is inserted into both bucket arrays at the indexes
// derived from the table's own address; insertion is atomic across both
// arrays - if either array's bucket declines it (see bucket.insert), the
// peer is not admitted to either, preserving the invariant that every known
// peer holds exactly one slot in each array. Returns false if info names the
// table's own address or was declined.
func (t *KademliaTable) ReportExistence(info *PeerInfo, reporter overlay.Address) bool {
	if info.Address.Equal(t.ownAddress) {
		return false
	}

	lockorder.BeforeLockTable()
	t.mu.Lock()
	defer t.mu.Unlock()

	key := info.Address.ByteString()
	if existing, ok := t.knownPeers[key]; ok {
		if !existing.Verified && info.URI != "" && existing.URI != info.URI {
			delete(t.knownURIs, existing.URI)
			existing.URI = info.URI
			t.knownURIs[info.URI] = existing
		}
		existing.LastReporter = reporter
		if reporter.Equal(info.Address) {
			t.markVerifiedLocked(existing)
		}
		t.metrics.ExistenceReports.Inc()
		return true
	}

	kam := t.hasher.Hash(info.Address)
	candidate := &PeerInfo{
		Address:         info.Address,
		KademliaAddress: kam,
		URI:             info.URI,
		LastReporter:    reporter,
		Liveness:        info.Liveness,
		LastSeen:        info.LastSeen,
	}

	if !t.insertBothLocked(candidate) {
		t.metrics.ExistenceReports.Inc()
		return false
	}

	t.knownPeers[key] = candidate
	if candidate.URI != "" {
		t.knownURIs[candidate.URI] = candidate
	}
	if reporter.Equal(info.Address) {
		t.markVerifiedLocked(candidate)
	}

	logIdx := LogID(t.ownKad, kam)
	if logIdx < t.firstNonEmpty {
		t.firstNonEmpty = logIdx
	}

	t.metrics.ExistenceReports.Inc()
	t.metrics.KnownPeers.Set(float64(len(t.knownPeers)))
	t.refreshActiveBucketsLocked()
	return true
}

// insertBothLocked places candidate in its logarithmic and Hamming buckets.
// Admission is decided for both arrays up front, via the read-only
// wouldAdmit, before either is mutated - so a candidate that would be
// declined by one array never partially lands in the other. Any peer
// evicted to make room (in either array) is then fully removed from every
// table index, not just the bucket it was evicted from. Must be called with
// mu held for writing.
func (t *KademliaTable) insertBothLocked(candidate *PeerInfo) bool {
	logIdx := LogID(t.ownKad, candidate.KademliaAddress)
	hamIdx := HammingID(t.ownKad, candidate.KademliaAddress)

	if !t.byLogarithm[logIdx].wouldAdmit(candidate) || !t.byHamming[hamIdx].wouldAdmit(candidate) {
		return false
	}

	_, evictedLog := t.byLogarithm[logIdx].insert(candidate)
	_, evictedHam := t.byHamming[hamIdx].insert(candidate)

	if evictedLog != nil {
		t.purgePeerLocked(evictedLog)
	}
	if evictedHam != nil && evictedHam != evictedLog {
		t.purgePeerLocked(evictedHam)
	}
	return true
}

// purgePeerLocked removes evicted from every table index: both bucket
// arrays (it may already be gone from whichever array evicted it; removal
// from an array it no longer occupies is a harmless no-op), knownPeers,
// and knownURIs. Must be called with mu held for writing.
func (t *KademliaTable) purgePeerLocked(evicted *PeerInfo) {
	key := evicted.Address.ByteString()
	logIdx := LogID(t.ownKad, evicted.KademliaAddress)
	hamIdx := HammingID(t.ownKad, evicted.KademliaAddress)

	t.byLogarithm[logIdx].remove(key)
	t.byHamming[hamIdx].remove(key)
	delete(t.knownPeers, key)
	if evicted.URI != "" {
		delete(t.knownURIs, evicted.URI)
	}
	t.metrics.Evictions.Inc()
	if logIdx == t.firstNonEmpty {
		t.advanceFirstNonEmptyBucket()
	}
}

func (t *KademliaTable) refreshActiveBucketsLocked() {
	n := 0
	for _, b := range t.byLogarithm {
		if b.size() > 0 {
			n++
		}
	}
	t.metrics.ActiveLogBuckets.Set(float64(n))
}

// ReportLiveliness records a successful direct interaction with address,
// attributed to reporter: liveness is incremented (saturating at
// DefaultMaxLiveness), last-seen is refreshed, the peer is marked Verified,
// and it is moved to the front of both its buckets. If address is not yet
// known and info is non-nil, it is first admitted via ReportExistence.
// Returns false if address remains unknown.
func (t *KademliaTable) ReportLiveliness(address, reporter overlay.Address, info *PeerInfo) bool {
	t.mu.RLock()
	_, known := t.knownPeers[address.ByteString()]
	t.mu.RUnlock()

	if !known {
		if info == nil {
			return false
		}
		if !t.ReportExistence(info, reporter) {
			return false
		}
	}

	lockorder.BeforeLockTable()
	t.mu.Lock()
	defer t.mu.Unlock()

	key := address.ByteString()
	existing, ok := t.knownPeers[key]
	if !ok {
		return false
	}

	if existing.Liveness < DefaultMaxLiveness {
		existing.Liveness++
	}
	existing.LastSeen = t.clock.Now()
	t.markVerifiedLocked(existing)

	logIdx := LogID(t.ownKad, existing.KademliaAddress)
	hamIdx := HammingID(t.ownKad, existing.KademliaAddress)
	t.byLogarithm[logIdx].touch(key)
	t.byHamming[hamIdx].touch(key)

	t.metrics.LivelinessReports.Inc()
	return true
}

// ReportFailure records a failed interaction with address, attributed to
// reporter. Liveness is decremented, saturating at zero; once it reaches
// zero the peer is removed from every index and both bucket arrays. Returns
// false if address is not known.
func (t *KademliaTable) ReportFailure(address, reporter overlay.Address) bool {
	lockorder.BeforeLockTable()
	t.mu.Lock()
	defer t.mu.Unlock()

	key := address.ByteString()
	existing, ok := t.knownPeers[key]
	if !ok {
		return false
	}

	t.logger.Debugf("kademlia: failure reported for %s by %s", address, reporter)
	t.metrics.FailureReports.Inc()

	if existing.Liveness > 0 {
		existing.Liveness--
	}
	if existing.Liveness > 0 {
		return true
	}

	logIdx := LogID(t.ownKad, existing.KademliaAddress)
	hamIdx := HammingID(t.ownKad, existing.KademliaAddress)
	t.byLogarithm[logIdx].remove(key)
	t.byHamming[hamIdx].remove(key)
	delete(t.knownPeers, key)
	if existing.URI != "" {
		delete(t.knownURIs, existing.URI)
	}

	if logIdx == t.firstNonEmpty {
		t.advanceFirstNonEmptyBucket()
	}

	t.metrics.Evictions.Inc()
	t.metrics.KnownPeers.Set(float64(len(t.knownPeers)))
	t.refreshActiveBucketsLocked()
	return true
}

// ProposePermanentConnections returns up to budget peers worth holding a
// permanent connection to: first every desired peer that is currently known,
// in the order it was marked desired, then - filling any remaining budget -
// the highest-liveness peer from each non-empty logarithmic bucket, closest
// bucket first.
func (t *KademliaTable) ProposePermanentConnections(budget int) []*PeerInfo {
	desiredAddrs := t.desired.DesiredAddresses()

	lockorder.BeforeLockTable()
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*PeerInfo, 0, budget)
	included := make(map[string]bool)

	for _, addr := range desiredAddrs {
		if len(out) >= budget {
			return out
		}
		if p, ok := t.knownPeers[addr.ByteString()]; ok {
			out = append(out, p.clone())
			included[addr.ByteString()] = true
		}
	}

	for i := 0; len(out) < budget && i <= AddressBits; i++ {
		b := t.byLogarithm[i]
		if b.size() == 0 {
			continue
		}
		var best *PeerInfo
		for _, p := range b.peers() {
			if included[p.Address.ByteString()] {
				continue
			}
			if best == nil || p.Liveness > best.Liveness ||
				(p.Liveness == best.Liveness && p.LastSeen.After(best.LastSeen)) ||
				(p.Liveness == best.Liveness && p.LastSeen.Equal(best.LastSeen) && p.TrustRank < best.TrustRank) {
				best = p
			}
		}
		if best != nil {
			out = append(out, best.clone())
			included[best.Address.ByteString()] = true
		}
	}
	return out
}

// Desired exposes the table's DesiredPeerSet so callers can pin and unpin
// desired peers/URIs without reaching into table internals.
func (t *KademliaTable) Desired() *DesiredPeerSet {
	return t.desired
}

// ResolveDesiredUris promotes any desired-by-URI entry whose address is now
// known into a desired-by-address entry, incrementing the
// DesiredPromotions counter for each one promoted.
func (t *KademliaTable) ResolveDesiredUris() {
	before := len(t.desired.DesiredAddresses())
	t.desired.ConvertDesiredUrisToAddresses(func(uri string) (overlay.Address, bool) {
		addr, err := t.GetAddressFromUri(uri)
		if err != nil {
			return overlay.Address{}, false
		}
		return addr, true
	})
	after := len(t.desired.DesiredAddresses())
	if after > before {
		t.metrics.DesiredPromotions.Add(float64(after - before))
	}
}

type persistConfig struct {
	filename string
	fs       afero.Fs
}
