package kademlia

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/bits"
)

// AddressBits is the bit width B of a KademliaAddress (160 for SHA-1, the
// hasher this module defaults to).
const AddressBits = 160

const addressBytes = AddressBits / 8

// ErrInvalidAddressLength is returned when decoding a KademliaAddress from a
// byte slice or hex string of the wrong length.
var ErrInvalidAddressLength = errors.New("kademlia: invalid address length")

// KademliaAddress is the fixed-width identifier used for all distance math
// in the table. It is produced from a node's opaque Address by an
// AddressHasher and never constructed directly from user input except in
// tests.
type KademliaAddress [addressBytes]byte

// NewKademliaAddress decodes a KademliaAddress from exactly addressBytes
// bytes.
func NewKademliaAddress(b []byte) (KademliaAddress, error) {
	var a KademliaAddress
	if len(b) != addressBytes {
		return a, ErrInvalidAddressLength
	}
	copy(a[:], b)
	return a, nil
}

// String hex-encodes the address.
func (a KademliaAddress) String() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns the address as a byte slice.
func (a KademliaAddress) Bytes() []byte {
	return a[:]
}

// Equal reports whether a and b are the same address.
func (a KademliaAddress) Equal(b KademliaAddress) bool {
	return a == b
}

// MarshalJSON returns the hex-encoded representation of the address.
func (a KademliaAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a hex-encoded address.
func (a *KademliaAddress) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	parsed, err := NewKademliaAddress(decoded)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Distance returns the XOR distance between a and b.
func Distance(a, b KademliaAddress) KademliaAddress {
	var d KademliaAddress
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// LessDistance reports whether x is strictly closer to target than y, i.e.
// XOR(target, x) < XOR(target, y) as an unsigned big-endian integer.
func LessDistance(target, x, y KademliaAddress) bool {
	dx := Distance(target, x)
	dy := Distance(target, y)
	return bytes.Compare(dx[:], dy[:]) < 0
}

// LogID returns the position of the highest set bit of XOR(a, b), i.e. the
// logarithmic (bucket) distance between a and b, in [0, AddressBits]. It is
// AddressBits when a == b (the "self" bucket). Bit 0 is the least
// significant bit of the address; LogID counts from the most significant
// byte down via a leading-zero scan so the result is identical across
// platforms regardless of native word size.
func LogID(a, b KademliaAddress) int {
	d := Distance(a, b)
	for i := 0; i < len(d); i++ {
		if d[i] == 0 {
			continue
		}
		lz := bits.LeadingZeros8(d[i])
		bitIndex := (len(d)-1-i)*8 + (7 - lz)
		return bitIndex
	}
	return AddressBits
}

// HammingID returns the Hamming distance between a and b: the number of
// bits set in XOR(a, b). The popcount is computed byte-by-byte with a fixed
// table lookup (bits.OnesCount8) so its running time does not depend on the
// pattern of bits in the operands.
func HammingID(a, b KademliaAddress) int {
	d := Distance(a, b)
	total := 0
	for _, v := range d {
		total += bits.OnesCount8(v)
	}
	return total
}
