package kademlia

import "errors"

// Operational outcomes. GetPeerDetails/GetUri surface ErrNotFound to the
// caller as a normal, expected result, never as a fault. Bucket-full
// rejections are not modeled as errors at all (see bucket.go): they are
// silently absorbed. Only persistence failures are worth surfacing.
var (
	// ErrNotFound is returned by GetPeerDetails/GetUri/GetAddressFromUri
	// when the address or URI is unknown.
	ErrNotFound = errors.New("kademlia: not found")

	// ErrSelfAddress describes an operation attempted against the table's
	// own address where that is not meaningful. No function in this package
	// returns it: ReportExistence reports its own address as a false result.
	ErrSelfAddress = errors.New("kademlia: refusing to operate on own address")
)

// PersistenceError wraps a failure from Dump or Load. Load failures leave
// the table cleared to default; Dump failures leave it untouched.
type PersistenceError struct {
	Op  string // "dump" or "load"
	Err error
}

func (e *PersistenceError) Error() string {
	return "kademlia: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
