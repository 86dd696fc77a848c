// Package lockorder enforces, in debug builds, the lock-order invariant
// documented on kademlia.KademliaTable: the table's main mutex is always
// acquired before its desired-peer mutex, never the reverse. It is a
// lightweight per-goroutine stamp, not a general deadlock detector.
package lockorder

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
)

// Enabled gates the cost of the check. Production builds leave it false;
// tests that want the assertion flip it on in TestMain.
var Enabled = false

var (
	mu   sync.Mutex
	held = make(map[int64]bool) // goroutine id -> desired-mutex held
)

func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	idField := bytes.Fields(buf)
	if len(idField) == 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(idField[0]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// BeforeLockDesired marks the calling goroutine as holding the desired-peer
// lock, so a subsequent BeforeLockTable call on the same goroutine can
// detect the forbidden order.
func BeforeLockDesired() {
	if !Enabled {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	held[goroutineID()] = true
}

// AfterUnlockDesired clears the calling goroutine's desired-peer-lock stamp.
func AfterUnlockDesired() {
	if !Enabled {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	delete(held, goroutineID())
}

// BeforeLockTable panics if the calling goroutine currently holds the
// desired-peer lock, which would invert the documented lock order.
func BeforeLockTable() {
	if !Enabled {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if held[goroutineID()] {
		panic(fmt.Sprintf("kademlia: lock-order violation: goroutine %d acquired the table mutex while holding the desired-peer mutex", goroutineID()))
	}
}
