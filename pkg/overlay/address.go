// Package overlay contains the raw peer identity type shared by the
// routing table and its collaborators: the opaque, variable-length address a
// peer is known by before it is rehashed into a fixed-width KademliaAddress.
package overlay

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
)

// Address is an opaque binary peer identity, typically a public-key hash.
// It carries no notion of distance; that is the job of kademlia.KademliaAddress.
type Address struct {
	b []byte
}

// NewAddress constructs an Address from a byte slice.
func NewAddress(b []byte) Address {
	return Address{b: b}
}

// ParseHexAddress returns an Address from a hex-encoded string representation.
func ParseHexAddress(s string) (a Address, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	return NewAddress(b), nil
}

// MustParseHexAddress returns an Address from a hex-encoded string
// representation, and panics if there is a parse error.
func MustParseHexAddress(s string) Address {
	a, err := ParseHexAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns a hex-encoded representation of the Address.
func (a Address) String() string {
	return hex.EncodeToString(a.b)
}

// Equal returns true if two addresses are identical.
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a.b, b.b)
}

// MemberOf returns true if the address is a member of the provided set.
func (a Address) MemberOf(addrs []Address) bool {
	for _, v := range addrs {
		if v.Equal(a) {
			return true
		}
	}
	return false
}

// IsZero returns true if the Address carries no value.
func (a Address) IsZero() bool {
	return a.Equal(ZeroAddress)
}

// Bytes returns the byte representation of the Address.
func (a Address) Bytes() []byte {
	return a.b
}

// ByteString returns the raw Address bytes without encoding, suitable as a
// map key.
func (a Address) ByteString() string {
	return string(a.Bytes())
}

// UnmarshalJSON sets Address to a value from its JSON-encoded representation.
func (a *Address) UnmarshalJSON(b []byte) (err error) {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*a, err = ParseHexAddress(s)
	return err
}

// MarshalJSON returns the JSON-encoded representation of Address.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// ZeroAddress is the address that carries no value.
var ZeroAddress = NewAddress(nil)
