package kademlia

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/gauss-project/kadtable/pkg/overlay"
)

// Field ids of the tagged map written by Dump and read by Load. The ids, not
// the struct field order, are the wire contract: changing one breaks every
// previously persisted table, so new fields only ever get higher ids.
const (
	fieldByLogarithm      = 1
	fieldByHamming        = 2
	fieldKnownPeers       = 3
	fieldKnownURIs        = 4
	fieldConnectionExpiry = 5
	fieldDesiredExpiry    = 6
	fieldDesiredPeers     = 7
	fieldDesiredURIs      = 8
)

// persistedPeer is the on-disk shape of a PeerInfo. Address is carried
// hex-encoded since it is also the map key in some fields and JSON object
// keys must be strings.
type persistedPeer struct {
	Address         string    `json:"address"`
	KademliaAddress string    `json:"kademlia_address"`
	URI             string    `json:"uri"`
	LastReporter    string    `json:"last_reporter"`
	Verified        bool      `json:"verified"`
	Liveness        int       `json:"liveness"`
	LastSeen        time.Time `json:"last_seen"`
	TrustRank       uint64    `json:"trust_rank"`
}

func toPersistedPeer(p *PeerInfo) persistedPeer {
	return persistedPeer{
		Address:         hex.EncodeToString(p.Address.Bytes()),
		KademliaAddress: p.KademliaAddress.String(),
		URI:             p.URI,
		LastReporter:    hex.EncodeToString(p.LastReporter.Bytes()),
		Verified:        p.Verified,
		Liveness:        p.Liveness,
		LastSeen:        p.LastSeen,
		TrustRank:       p.TrustRank,
	}
}

func (pp persistedPeer) toPeerInfo() (*PeerInfo, error) {
	addrBytes, err := hex.DecodeString(pp.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	var reporterBytes []byte
	if pp.LastReporter != "" {
		reporterBytes, err = hex.DecodeString(pp.LastReporter)
		if err != nil {
			return nil, fmt.Errorf("last_reporter: %w", err)
		}
	}
	return &PeerInfo{
		Address:      overlay.NewAddress(addrBytes),
		URI:          pp.URI,
		LastReporter: overlay.NewAddress(reporterBytes),
		Verified:     pp.Verified,
		Liveness:     pp.Liveness,
		LastSeen:     pp.LastSeen,
		TrustRank:    pp.TrustRank,
	}, nil
}

// Dump serializes the table to its configured filename, as a JSON object
// whose keys are the decimal field ids 1-8. It does not mutate the table; a
// failure part-way through leaves the on-disk file untouched (the write
// targets a temp file first) and the in-memory state is always untouched.
func (t *KademliaTable) Dump() error {
	t.mu.RLock()
	fs, filename := t.persist.fs, t.persist.filename
	if filename == "" {
		t.mu.RUnlock()
		return nil
	}

	byLog := make([][]persistedPeer, len(t.byLogarithm))
	for i, b := range t.byLogarithm {
		for _, p := range b.peers() {
			byLog[i] = append(byLog[i], toPersistedPeer(p))
		}
	}
	byHam := make([][]persistedPeer, len(t.byHamming))
	for i, b := range t.byHamming {
		for _, p := range b.peers() {
			byHam[i] = append(byHam[i], toPersistedPeer(p))
		}
	}
	knownPeers := make(map[string]persistedPeer, len(t.knownPeers))
	for rawKey, p := range t.knownPeers {
		knownPeers[hex.EncodeToString([]byte(rawKey))] = toPersistedPeer(p)
	}
	knownURIs := make(map[string]persistedPeer, len(t.knownURIs))
	for uri, p := range t.knownURIs {
		knownURIs[uri] = toPersistedPeer(p)
	}
	connExpiryByAddr := make(map[string]time.Time)
	t.mu.RUnlock()

	snap := t.desired.snapshot()
	for _, d := range snap.peers {
		connExpiryByAddr[hex.EncodeToString(d.address.Bytes())] = snap.connExpiry[d.address.ByteString()]
	}
	desiredPeers := make([]string, 0, len(snap.peers))
	for _, d := range snap.peers {
		desiredPeers = append(desiredPeers, hex.EncodeToString(d.address.Bytes()))
	}

	var merr *multierror.Error
	fields := map[string]json.RawMessage{}
	putField(fields, fieldByLogarithm, byLog, &merr)
	putField(fields, fieldByHamming, byHam, &merr)
	putField(fields, fieldKnownPeers, knownPeers, &merr)
	putField(fields, fieldKnownURIs, knownURIs, &merr)
	putField(fields, fieldConnectionExpiry, connExpiryByAddr, &merr)
	putField(fields, fieldDesiredExpiry, snap.uriExpiry, &merr)
	putField(fields, fieldDesiredPeers, desiredPeers, &merr)
	putField(fields, fieldDesiredURIs, snap.uris, &merr)
	if err := merr.ErrorOrNil(); err != nil {
		return &PersistenceError{Op: "dump", Err: err}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return &PersistenceError{Op: "dump", Err: err}
	}

	tmp := filename + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o600); err != nil {
		return &PersistenceError{Op: "dump", Err: err}
	}
	if err := fs.Rename(tmp, filename); err != nil {
		return &PersistenceError{Op: "dump", Err: err}
	}
	return nil
}

func putField(fields map[string]json.RawMessage, id int, v interface{}, merr **multierror.Error) {
	raw, err := json.Marshal(v)
	if err != nil {
		*merr = multierror.Append(*merr, fmt.Errorf("field %d: %w", id, err))
		return
	}
	fields[strconv.Itoa(id)] = raw
}

// Load replaces the table's contents with what is recorded at its configured
// filename. Bucket indexes are never trusted from disk: every peer is
// reinserted through the table's own bucket-placement logic, recomputed
// against the table's current own address, so a peer that no longer fits
// (its bucket is now full of fresher entries, or the table's own address
// changed) is silently dropped rather than corrupting the indexes - the same
// discard-and-reinsert policy a fresh ReportExistence would apply. A
// malformed or unreadable file leaves the table cleared to an empty default
// and returns a *PersistenceError.
func (t *KademliaTable) Load() error {
	t.mu.RLock()
	fs, filename := t.persist.fs, t.persist.filename
	t.mu.RUnlock()
	if filename == "" {
		return nil
	}

	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		t.resetToDefault()
		t.logger.Warningf("kademlia: load %s: %v", filename, err)
		return &PersistenceError{Op: "load", Err: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.resetToDefault()
		t.logger.Warningf("kademlia: load %s: %v", filename, err)
		return &PersistenceError{Op: "load", Err: err}
	}

	var merr *multierror.Error

	var knownPeers map[string]persistedPeer
	getField(fields, fieldKnownPeers, &knownPeers, &merr)

	var connExpiryByAddr map[string]time.Time
	getField(fields, fieldConnectionExpiry, &connExpiryByAddr, &merr)

	var desiredExpiry map[string]time.Time
	getField(fields, fieldDesiredExpiry, &desiredExpiry, &merr)

	var desiredPeers []string
	getField(fields, fieldDesiredPeers, &desiredPeers, &merr)

	var desiredURIs []string
	getField(fields, fieldDesiredURIs, &desiredURIs, &merr)

	t.resetToDefault()

	t.mu.Lock()
	for hexAddr, pp := range knownPeers {
		info, err := pp.toPeerInfo()
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("known peer %s: %w", hexAddr, err))
			continue
		}
		if !t.restorePeerLocked(info) {
			t.logger.Debugf("kademlia: load: discarded %s, no room in recomputed bucket", info.Address)
		}
	}
	t.mu.Unlock()

	var snap desiredSnapshot
	snap.connExpiry = make(map[string]time.Time)
	snap.uriExpiry = desiredExpiry
	snap.uris = desiredURIs
	for _, hexAddr := range desiredPeers {
		addrBytes, err := hex.DecodeString(hexAddr)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("desired peer %s: %w", hexAddr, err))
			continue
		}
		addr := overlay.NewAddress(addrBytes)
		snap.peers = append(snap.peers, desiredByAddress{address: addr})
		if exp, ok := connExpiryByAddr[hexAddr]; ok {
			snap.connExpiry[addr.ByteString()] = exp
		}
	}
	t.desired.restore(snap)

	if err := merr.ErrorOrNil(); err != nil {
		t.logger.Warningf("kademlia: load: %v", err)
	}
	return nil
}

func getField(fields map[string]json.RawMessage, id int, v interface{}, merr **multierror.Error) {
	raw, ok := fields[strconv.Itoa(id)]
	if !ok {
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		*merr = multierror.Append(*merr, fmt.Errorf("field %d: %w", id, err))
	}
}

// resetToDefault clears the table to an empty routing table, preserving its
// own address, hasher, clock, logger and persistence configuration.
func (t *KademliaTable) resetToDefault() {
	t.mu.Lock()
	t.byLogarithm = newBucketArray(t.k)
	t.byHamming = newBucketArray(t.k)
	t.knownPeers = make(map[string]*PeerInfo)
	t.knownURIs = make(map[string]*PeerInfo)
	t.firstNonEmpty = AddressBits
	t.mu.Unlock()
	t.desired.ClearDesired()
}

// restorePeerLocked reinserts a peer recovered from disk, preserving its
// Verified/TrustRank/Liveness/LastSeen exactly rather than re-deriving them,
// at bucket indexes recomputed from the table's current own address. It
// silently discards the peer if either bucket array declines it, per Load's
// discard-and-reinsert policy. Must be called with mu held for writing.
func (t *KademliaTable) restorePeerLocked(info *PeerInfo) bool {
	if info.Address.Equal(t.ownAddress) {
		return false
	}
	key := info.Address.ByteString()
	if _, exists := t.knownPeers[key]; exists {
		return false
	}

	info.KademliaAddress = t.hasher.Hash(info.Address)
	if !t.insertBothLocked(info) {
		return false
	}

	t.knownPeers[key] = info
	if info.URI != "" {
		t.knownURIs[info.URI] = info
	}
	logIdx := LogID(t.ownKad, info.KademliaAddress)
	if logIdx < t.firstNonEmpty {
		t.firstNonEmpty = logIdx
	}
	if info.TrustRank > 0 {
		for {
			cur := t.nextTrustRank.Load()
			if cur >= info.TrustRank {
				break
			}
			if t.nextTrustRank.CAS(cur, info.TrustRank) {
				break
			}
		}
	}
	return true
}
