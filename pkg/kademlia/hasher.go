package kademlia

import "github.com/gauss-project/kadtable/pkg/overlay"

// AddressHasher maps an opaque peer Address to the fixed-width
// KademliaAddress used for distance math. It is an external collaborator:
// the table never hashes directly so callers can swap in whatever identity
// scheme their transport uses. See internal/kadcrypto for the default
// SHA-1-based implementation.
type AddressHasher interface {
	Hash(overlay.Address) KademliaAddress
}
