package kademlia

import "container/list"

// bucket is a bounded, ordered container of up to capacity peers sharing a
// common distance class. Order is "most-recently-live first": touch moves
// an entry to the front, and peers() yields freshest first. Modeled on a
// container/list-backed LRU, the same shape classic Kademlia lab
// implementations use for a single k-bucket.
type bucket struct {
	capacity int
	order    *list.List               // front = freshest; element.Value is *PeerInfo
	index    map[string]*list.Element // keyed by PeerInfo.Address.ByteString()
}

func newBucket(capacity int) *bucket {
	return &bucket{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (b *bucket) size() int {
	return b.order.Len()
}

func (b *bucket) contains(key string) bool {
	_, ok := b.index[key]
	return ok
}

func (b *bucket) get(key string) (*PeerInfo, bool) {
	e, ok := b.index[key]
	if !ok {
		return nil, false
	}
	return e.Value.(*PeerInfo), true
}

// touch moves the peer at key to the front, if present.
func (b *bucket) touch(key string) {
	if e, ok := b.index[key]; ok {
		b.order.MoveToFront(e)
	}
}

// remove drops the peer at key, if present, returning it.
func (b *bucket) remove(key string) *PeerInfo {
	e, ok := b.index[key]
	if !ok {
		return nil
	}
	b.order.Remove(e)
	delete(b.index, key)
	return e.Value.(*PeerInfo)
}

// insert adds p to the front of the bucket. If the bucket is already at
// capacity, p replaces the current
// tail only if p has strictly higher liveness than the tail, with ties
// broken by a newer LastSeen and then by a lower TrustRank (verified
// earlier). Otherwise p is silently dropped and insert returns admitted
// false. When p does evict the tail, evicted is the peer that was dropped -
// the caller is responsible for removing it from any other index it
// appears in (the table's complementary bucket array, knownPeers,
// knownURIs), since the bucket itself only knows about its own slice of
// the table.
func (b *bucket) insert(p *PeerInfo) (admitted bool, evicted *PeerInfo) {
	key := p.Address.ByteString()
	if b.contains(key) {
		b.order.MoveToFront(b.index[key])
		return true, nil
	}

	if b.order.Len() < b.capacity {
		e := b.order.PushFront(p)
		b.index[key] = e
		return true, nil
	}

	tailElem := b.order.Back()
	tail := tailElem.Value.(*PeerInfo)
	if !candidateBeatsTail(p, tail) {
		return false, nil
	}

	delete(b.index, tail.Address.ByteString())
	b.order.Remove(tailElem)
	e := b.order.PushFront(p)
	b.index[key] = e
	return true, tail
}

// candidateBeatsTail implements the full-bucket tie-break order: liveness,
// then last-seen recency, then trust rank (lower/earlier wins).
func candidateBeatsTail(candidate, tail *PeerInfo) bool {
	if candidate.Liveness != tail.Liveness {
		return candidate.Liveness > tail.Liveness
	}
	if !candidate.LastSeen.Equal(tail.LastSeen) {
		return candidate.LastSeen.After(tail.LastSeen)
	}
	return candidate.TrustRank < tail.TrustRank
}

// wouldAdmit reports whether insert(p) would return admitted true, without
// mutating the bucket. Used to decide up front whether a candidate belongs
// in both of the table's bucket arrays before committing either insert.
func (b *bucket) wouldAdmit(p *PeerInfo) bool {
	key := p.Address.ByteString()
	if b.contains(key) {
		return true
	}
	if b.order.Len() < b.capacity {
		return true
	}
	tail := b.order.Back().Value.(*PeerInfo)
	return candidateBeatsTail(p, tail)
}

// peers returns a snapshot ordered freshest-first.
func (b *bucket) peers() []*PeerInfo {
	out := make([]*PeerInfo, 0, b.order.Len())
	for e := b.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*PeerInfo))
	}
	return out
}
