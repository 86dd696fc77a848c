package kademlia_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gauss-project/kadtable/internal/kadcrypto"
	"github.com/gauss-project/kadtable/internal/lockorder"
	"github.com/gauss-project/kadtable/pkg/kademlia"
	"github.com/gauss-project/kadtable/pkg/overlay"
	"github.com/gauss-project/kadtable/pkg/overlay/overlaytest"
)

func TestMain(m *testing.M) {
	lockorder.Enabled = true
	os.Exit(m.Run())
}

func newTestTable(t *testing.T, k int) (*kademlia.KademliaTable, overlay.Address, *kademlia.VirtualClock) {
	t.Helper()
	own := overlay.MustParseHexAddress("00")
	clock := kademlia.NewVirtualClock(time.Unix(1000, 0))
	tbl := kademlia.New(own, kademlia.Options{K: k, Clock: clock})
	return tbl, own, clock
}

func byteAddr(b byte) overlay.Address {
	return overlay.NewAddress([]byte{b})
}

func TestTableEmpty(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)

	if got := tbl.Size(); got != 0 {
		t.Fatalf("Size() = %d, want 0", got)
	}
	if got := tbl.ActiveBuckets(); got != 0 {
		t.Fatalf("ActiveBuckets() = %d, want 0", got)
	}
	if got := tbl.FirstNonEmptyBucket(); got != kademlia.AddressBits {
		t.Fatalf("FirstNonEmptyBucket() = %d, want %d", got, kademlia.AddressBits)
	}
	if _, err := tbl.GetPeerDetails(byteAddr(1)); err != kademlia.ErrNotFound {
		t.Fatalf("GetPeerDetails = %v, want ErrNotFound", err)
	}
}

func TestReportExistenceInsertsAndRejectsSelf(t *testing.T) {
	tbl, own, _ := newTestTable(t, 3)
	reporter := byteAddr(0xff)

	if tbl.ReportExistence(&kademlia.PeerInfo{Address: own}, reporter) {
		t.Fatal("expected reporting the table's own address to be rejected")
	}

	info := &kademlia.PeerInfo{Address: byteAddr(1), URI: "peer1.example:9000"}
	if !tbl.ReportExistence(info, reporter) {
		t.Fatal("expected a new peer to be admitted")
	}
	if tbl.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", tbl.Size())
	}
	if !tbl.HasUri("peer1.example:9000") {
		t.Fatal("expected the peer's URI to be indexed")
	}
}

func TestReportExistenceSelfReportVerifies(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	addr := byteAddr(1)

	tbl.ReportExistence(&kademlia.PeerInfo{Address: addr}, addr)

	got, err := tbl.GetPeerDetails(addr)
	if err != nil {
		t.Fatalf("GetPeerDetails: %v", err)
	}
	if !got.Verified {
		t.Fatal("expected a self-report to verify the peer")
	}
	if got.TrustRank == 0 {
		t.Fatal("expected a TrustRank to be assigned on verification")
	}
}

func TestReportExistenceThirdPartyDoesNotVerify(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	addr := byteAddr(1)
	reporter := byteAddr(2)

	tbl.ReportExistence(&kademlia.PeerInfo{Address: addr}, reporter)

	got, err := tbl.GetPeerDetails(addr)
	if err != nil {
		t.Fatalf("GetPeerDetails: %v", err)
	}
	if got.Verified {
		t.Fatal("expected a third-party report to leave the peer unverified")
	}
}

func TestReportExistenceIdempotent(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	addr := byteAddr(1)
	reporter := byteAddr(2)
	info := &kademlia.PeerInfo{Address: addr, URI: "peer1.example:9000"}

	tbl.ReportExistence(info, reporter)
	first, _ := tbl.GetPeerDetails(addr)

	tbl.ReportExistence(info, reporter)
	second, _ := tbl.GetPeerDetails(addr)

	if first.URI != second.URI || first.Verified != second.Verified || first.TrustRank != second.TrustRank {
		t.Fatalf("expected repeating an identical ReportExistence to be a no-op, got %+v then %+v", first, second)
	}
}

func TestBucketEvictionPolicyViaReportExistence(t *testing.T) {
	tbl, _, _ := newTestTable(t, 2)
	reporter := byteAddr(0xff)

	// 0x81 and 0x82 both carry the address's top bit, so under the default
	// hasher (which left-aligns the raw bytes) they land in the same
	// logarithmic bucket relative to own address 0x00.
	p1 := &kademlia.PeerInfo{Address: byteAddr(0x81), Liveness: 1}
	p2 := &kademlia.PeerInfo{Address: byteAddr(0x82), Liveness: 5}
	if !tbl.ReportExistence(p1, reporter) {
		t.Fatal("expected p1 to be admitted")
	}
	if !tbl.ReportExistence(p2, reporter) {
		t.Fatal("expected p2 to be admitted")
	}
	if tbl.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", tbl.Size())
	}

	weak := &kademlia.PeerInfo{Address: byteAddr(0x84), Liveness: 0}
	if tbl.ReportExistence(weak, reporter) {
		t.Fatal("expected a weaker candidate to be rejected once the bucket is full")
	}
	if tbl.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 after rejected insert", tbl.Size())
	}

	strong := &kademlia.PeerInfo{Address: byteAddr(0x88), Liveness: 10}
	if !tbl.ReportExistence(strong, reporter) {
		t.Fatal("expected a stronger candidate to evict the weakest tail")
	}
	if tbl.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 after eviction", tbl.Size())
	}
	if _, err := tbl.GetPeerDetails(byteAddr(0x81)); err != kademlia.ErrNotFound {
		t.Fatal("expected the weakest peer (p1) to have been fully evicted")
	}
	if _, err := tbl.GetPeerDetails(byteAddr(0x88)); err != nil {
		t.Fatal("expected the stronger candidate to be present")
	}
}

func TestReportLivelinessUnknownWithoutInfoFails(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	if tbl.ReportLiveliness(byteAddr(1), byteAddr(2), nil) {
		t.Fatal("expected ReportLiveliness on an unknown peer with no info to fail")
	}
}

func TestReportLivelinessAdmitsUnknownWithInfo(t *testing.T) {
	tbl, _, clock := newTestTable(t, 3)
	addr := byteAddr(1)
	reporter := byteAddr(2)
	info := &kademlia.PeerInfo{Address: addr}

	if !tbl.ReportLiveliness(addr, reporter, info) {
		t.Fatal("expected ReportLiveliness to admit and then verify a new peer")
	}

	got, err := tbl.GetPeerDetails(addr)
	if err != nil {
		t.Fatalf("GetPeerDetails: %v", err)
	}
	if !got.Verified {
		t.Fatal("expected ReportLiveliness to verify the peer")
	}
	if got.Liveness != 1 {
		t.Fatalf("Liveness = %d, want 1", got.Liveness)
	}
	if !got.LastSeen.Equal(clock.Now()) {
		t.Fatalf("LastSeen = %v, want %v", got.LastSeen, clock.Now())
	}
}

func TestReportFailureRemovesAtZeroLiveness(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	addr := byteAddr(1)
	reporter := byteAddr(2)

	tbl.ReportExistence(&kademlia.PeerInfo{Address: addr, Liveness: 2}, reporter)

	if !tbl.ReportFailure(addr, reporter) {
		t.Fatal("expected ReportFailure on a known peer to succeed")
	}
	if _, err := tbl.GetPeerDetails(addr); err != nil {
		t.Fatal("expected the peer to still be present after one failure")
	}

	if !tbl.ReportFailure(addr, reporter) {
		t.Fatal("expected the second ReportFailure to succeed")
	}
	if _, err := tbl.GetPeerDetails(addr); err != kademlia.ErrNotFound {
		t.Fatal("expected the peer to be removed once liveness reaches zero")
	}
}

func TestReportFailureUnknownReturnsFalse(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	if tbl.ReportFailure(byteAddr(1), byteAddr(2)) {
		t.Fatal("expected ReportFailure on an unknown peer to return false")
	}
}

func TestPingUnknownFails(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	if _, ok := tbl.Ping(byteAddr(1), nil); ok {
		t.Fatal("expected Ping on an unknown peer to fail")
	}
}

func TestPingVerifiesKnownPeer(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	addr := byteAddr(1)
	reporter := byteAddr(2)
	tbl.ReportExistence(&kademlia.PeerInfo{Address: addr}, reporter)

	token, ok := tbl.Ping(addr, nil)
	if !ok {
		t.Fatal("expected Ping on a known peer to succeed")
	}
	if token == "" {
		t.Fatal("expected a non-empty verification token")
	}

	got, err := tbl.GetPeerDetails(addr)
	if err != nil {
		t.Fatalf("GetPeerDetails: %v", err)
	}
	if !got.Verified {
		t.Fatal("expected Ping to verify the peer")
	}
}

func TestGetUriAndGetAddressFromUri(t *testing.T) {
	tbl, _, _ := newTestTable(t, 3)
	addr := byteAddr(1)
	reporter := byteAddr(2)
	tbl.ReportExistence(&kademlia.PeerInfo{Address: addr, URI: "peer1.example:9000"}, reporter)

	uri, err := tbl.GetUri(addr)
	if err != nil || uri != "peer1.example:9000" {
		t.Fatalf("GetUri = (%q, %v), want (peer1.example:9000, nil)", uri, err)
	}

	got, err := tbl.GetAddressFromUri("peer1.example:9000")
	if err != nil || !got.Equal(addr) {
		t.Fatalf("GetAddressFromUri = (%s, %v), want (%s, nil)", got, err, addr)
	}

	if _, err := tbl.GetAddressFromUri("no-such-uri"); err != kademlia.ErrNotFound {
		t.Fatalf("GetAddressFromUri on unknown URI = %v, want ErrNotFound", err)
	}
}

func TestFindPeerExcludesSelfAndSorts(t *testing.T) {
	tbl, own, _ := newTestTable(t, 10)
	reporter := byteAddr(0xff)

	for _, b := range []byte{0x01, 0x02, 0x03} {
		tbl.ReportExistence(&kademlia.PeerInfo{Address: byteAddr(b)}, reporter)
	}

	found := tbl.FindPeer(own)
	if len(found) != 3 {
		t.Fatalf("FindPeer returned %d peers, want 3", len(found))
	}
	for _, p := range found {
		if p.Address.Equal(own) {
			t.Fatal("FindPeer must never return the table's own address")
		}
	}
	// The default hasher maps the one-byte own address 0x00 to the all-zero
	// KademliaAddress, which is therefore the lookup target here.
	for i := 1; i < len(found); i++ {
		if kademlia.LessDistance(kademlia.KademliaAddress{}, found[i].KademliaAddress, found[i-1].KademliaAddress) {
			t.Fatalf("result %d is closer to the target than result %d", i, i-1)
		}
	}
}

func TestFindPeerByHammingExcludesSelf(t *testing.T) {
	tbl, own, _ := newTestTable(t, 10)
	reporter := byteAddr(0xff)

	for _, b := range []byte{0x01, 0x02, 0x03} {
		tbl.ReportExistence(&kademlia.PeerInfo{Address: byteAddr(b)}, reporter)
	}

	found := tbl.FindPeerByHamming(own)
	if len(found) != 3 {
		t.Fatalf("FindPeerByHamming returned %d peers, want 3", len(found))
	}
	for _, p := range found {
		if p.Address.Equal(own) {
			t.Fatal("FindPeerByHamming must never return the table's own address")
		}
	}
}

func TestProposePermanentConnectionsPrioritizesDesired(t *testing.T) {
	tbl, _, _ := newTestTable(t, 10)
	reporter := byteAddr(0xff)

	a := byteAddr(0x01)
	b := byteAddr(0x02)
	tbl.ReportExistence(&kademlia.PeerInfo{Address: a, Liveness: 1}, reporter)
	tbl.ReportExistence(&kademlia.PeerInfo{Address: b, Liveness: 100}, reporter)

	tbl.Desired().AddDesiredPeer(a, "", time.Unix(1_000_000, 0))

	got := tbl.ProposePermanentConnections(1)
	if len(got) != 1 || !got[0].Address.Equal(a) {
		t.Fatalf("expected the desired peer to be proposed first, got %v", got)
	}
}

func TestTableConcurrentAccess(t *testing.T) {
	own := overlaytest.RandomAddress()
	tbl := kademlia.New(own, kademlia.Options{K: 20, Hasher: kadcrypto.SHA1Hasher{}})

	const goroutines = 8
	const perGoroutine = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				addr := overlaytest.RandomAddressNot(own)
				reporter := overlaytest.RandomAddress()
				info := &kademlia.PeerInfo{Address: addr, URI: addr.String() + ":9000"}
				tbl.ReportExistence(info, reporter)
				tbl.ReportLiveliness(addr, reporter, nil)
				tbl.FindPeer(addr)
				tbl.FindPeerByHamming(addr)
				tbl.ReportFailure(addr, reporter)
			}
		}()
	}
	wg.Wait()

	// No assertion beyond "did not race or deadlock": Size is whatever
	// survived the concurrent failure reports.
	_ = tbl.Size()
}

func TestTopBitPeerBucketPlacement(t *testing.T) {
	tbl, _, _ := newTestTable(t, 20)

	// 0x80 followed by 19 zero bytes differs from the all-zero own address
	// only in the top bit: logarithmic bucket 159, Hamming bucket 1.
	raw := make([]byte, 20)
	raw[0] = 0x80
	peer := overlay.NewAddress(raw)

	if !tbl.ReportExistence(&kademlia.PeerInfo{Address: peer}, byteAddr(0xff)) {
		t.Fatal("expected the peer to be admitted")
	}
	if got := tbl.FirstNonEmptyBucket(); got != kademlia.AddressBits-1 {
		t.Fatalf("FirstNonEmptyBucket() = %d, want %d", got, kademlia.AddressBits-1)
	}
	if got := tbl.ActiveBuckets(); got != 1 {
		t.Fatalf("ActiveBuckets() = %d, want 1", got)
	}

	found := tbl.FindPeer(peer)
	if len(found) != 1 || !found[0].Address.Equal(peer) {
		t.Fatalf("FindPeer = %v, want exactly the inserted peer", found)
	}
	ham := tbl.FindPeerByHamming(peer)
	if len(ham) != 1 || !ham[0].Address.Equal(peer) {
		t.Fatalf("FindPeerByHamming = %v, want exactly the inserted peer", ham)
	}
}

func TestSameBucketOverflowEvictsLowestLiveness(t *testing.T) {
	tbl, _, _ := newTestTable(t, 20)
	reporter := byteAddr(0xff)

	// 25 peers that all carry the top bit, so every one of them lands in
	// logarithmic bucket 159. Liveness increases with the address, making
	// the eviction order deterministic.
	for i := 0; i < 25; i++ {
		addr := byteAddr(0x80 | byte(i))
		tbl.ReportExistence(&kademlia.PeerInfo{Address: addr, Liveness: i}, reporter)
	}

	if got := tbl.Size(); got != 20 {
		t.Fatalf("Size() = %d, want 20", got)
	}
	for i := 0; i < 5; i++ {
		if _, err := tbl.GetPeerDetails(byteAddr(0x80 | byte(i))); err != kademlia.ErrNotFound {
			t.Fatalf("expected the 5 lowest-liveness peers to be evicted, %#x still present", 0x80|byte(i))
		}
	}
	for i := 5; i < 25; i++ {
		if _, err := tbl.GetPeerDetails(byteAddr(0x80 | byte(i))); err != nil {
			t.Fatalf("expected peer %#x to survive, got %v", 0x80|byte(i), err)
		}
	}
}

func TestRefreshedTailRejectsWeakCandidate(t *testing.T) {
	tbl, _, _ := newTestTable(t, 20)
	reporter := byteAddr(0xff)

	for i := 0; i < 25; i++ {
		addr := byteAddr(0x80 | byte(i))
		tbl.ReportExistence(&kademlia.PeerInfo{Address: addr, Liveness: i}, reporter)
	}

	// The current tail (liveness 5) gets a fresh liveliness signal, so a new
	// liveness-1 candidate must lose against whatever the tail is now.
	tail := byteAddr(0x80 | 5)
	if !tbl.ReportLiveliness(tail, reporter, nil) {
		t.Fatal("expected the surviving tail peer to accept a liveliness report")
	}

	weak := &kademlia.PeerInfo{Address: byteAddr(0xC0), Liveness: 1}
	if tbl.ReportExistence(weak, reporter) {
		t.Fatal("expected the weak candidate to be rejected by the refreshed bucket")
	}
}

func TestFindPeerSortedByDistance(t *testing.T) {
	tbl, _, _ := newTestTable(t, 20)
	reporter := byteAddr(0xff)

	for b := byte(1); b <= 12; b++ {
		tbl.ReportExistence(&kademlia.PeerInfo{Address: byteAddr(b)}, reporter)
	}

	target := byteAddr(5)
	kamTarget := leftAlignedKad(t, 5)
	found := tbl.FindPeer(target)
	if len(found) == 0 {
		t.Fatal("expected a non-empty result")
	}
	for i := 1; i < len(found); i++ {
		if kademlia.LessDistance(kamTarget, found[i].KademliaAddress, found[i-1].KademliaAddress) {
			t.Fatalf("result %d is closer to the target than result %d", i, i-1)
		}
	}
}

func leftAlignedKad(t *testing.T, b byte) kademlia.KademliaAddress {
	t.Helper()
	buf := make([]byte, 20)
	buf[0] = b
	a, err := kademlia.NewKademliaAddress(buf)
	if err != nil {
		t.Fatalf("NewKademliaAddress: %v", err)
	}
	return a
}

func TestResolveDesiredUrisPromotes(t *testing.T) {
	tbl, _, _ := newTestTable(t, 20)
	addr := byteAddr(0x01)
	uri := "peer1.example:9000"

	tbl.Desired().AddDesiredURI(uri, time.Unix(1_000_000, 0))
	tbl.ReportExistence(&kademlia.PeerInfo{Address: addr, URI: uri}, byteAddr(0xff))

	tbl.ResolveDesiredUris()

	if !tbl.Desired().IsDesired(addr) {
		t.Fatal("expected the desired URI to be promoted once its address became known")
	}
	got := tbl.ProposePermanentConnections(5)
	if len(got) == 0 || !got[0].Address.Equal(addr) {
		t.Fatalf("expected the promoted peer to be proposed first, got %v", got)
	}
}

func TestProposePermanentConnectionsFillsFromBuckets(t *testing.T) {
	tbl, _, _ := newTestTable(t, 10)
	reporter := byteAddr(0xff)

	a := byteAddr(0x01)
	tbl.ReportExistence(&kademlia.PeerInfo{Address: a, Liveness: 5}, reporter)

	got := tbl.ProposePermanentConnections(5)
	if len(got) != 1 || !got[0].Address.Equal(a) {
		t.Fatalf("expected the only known peer to be proposed, got %v", got)
	}
}
