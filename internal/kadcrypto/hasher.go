// Package kadcrypto supplies the default cryptographic address derivation
// the kademlia table consumes as its AddressHasher collaborator. The table
// itself never hashes; it only consumes the interface.
package kadcrypto

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the address-derivation function this overlay uses, not a security primitive.

	"github.com/gauss-project/kadtable/pkg/kademlia"
	"github.com/gauss-project/kadtable/pkg/overlay"
)

// SHA1Hasher hashes an opaque overlay.Address into a fixed-width
// kademlia.KademliaAddress using SHA-1.
type SHA1Hasher struct{}

// Hash implements kademlia.AddressHasher.
func (SHA1Hasher) Hash(a overlay.Address) kademlia.KademliaAddress {
	sum := sha1.Sum(a.Bytes())
	var out kademlia.KademliaAddress
	copy(out[:], sum[:])
	return out
}
