// Package overlaytest provides address generators for tests across the
// kademlia package and its collaborators.
package overlaytest

import (
	"math/rand"

	"github.com/gauss-project/kadtable/pkg/overlay"
)

// RandomAddress generates a random 32-byte address.
func RandomAddress() overlay.Address {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return overlay.NewAddress(b)
}

// RandomAddressNot generates a random 32-byte address distinct from self.
func RandomAddressNot(self overlay.Address) overlay.Address {
	for {
		a := RandomAddress()
		if !a.Equal(self) {
			return a
		}
	}
}
