package dht

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"math/big"
)

// UID is a 160-bit node or key identifier, carried everywhere in its
// external form: the standard base64 encoding of a 20-byte SHA-1 digest.
// Distance math decodes to raw bytes.
type UID string

const uidLen = 20

// NodeUID derives the identifier of the node listening on (addr, port):
// base64(SHA1(addr bytes followed by the port as a big-endian int32)).
func NodeUID(addr string, port int) UID {
	h := sha1.New()
	h.Write([]byte(addr))
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], uint32(port))
	h.Write(p[:])
	return UID(base64.StdEncoding.EncodeToString(h.Sum(nil)))
}

// KeyUID derives the identifier under which a key's value is stored:
// base64(SHA1(key bytes)).
func KeyUID(key string) UID {
	sum := sha1.Sum([]byte(key))
	return UID(base64.StdEncoding.EncodeToString(sum[:]))
}

// Bytes decodes the base64 form into the raw identifier bytes.
func (u UID) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(string(u))
}

// Valid reports whether u decodes to exactly 20 bytes.
func (u UID) Valid() bool {
	b, err := u.Bytes()
	return err == nil && len(b) == uidLen
}

// coerceUID passes valid base64 through unchanged and re-encodes anything
// else as base64 of its raw bytes. This tolerates CLI and config supplied
// identifiers; internally derived UIDs always decode cleanly.
func coerceUID(s string) UID {
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		return UID(base64.StdEncoding.EncodeToString([]byte(s)))
	}
	return UID(s)
}

// sharedPrefixBits returns the number of leading bits equal in a and b,
// which must have the same length. Identical inputs yield len*8.
func sharedPrefixBits(a, b []byte) int {
	i := 0
	for ; i < len(a); i++ {
		if a[i] != b[i] {
			break
		}
	}
	if i == len(a) {
		return len(a) * 8
	}

	xor := a[i] ^ b[i]

	j := 0
	for (xor & 0x80) == 0 {
		xor <<= 1
		j++
	}
	return 8*i + j
}

// bucketIndex maps a peer UID to its bucket: the shared-prefix-bit count
// with the local UID. Returns -1 when the UIDs are identical, when either
// fails to decode, or when the decoded lengths disagree; -1 means "do not
// insert".
func bucketIndex(local, peer UID) int {
	a, err := local.Bytes()
	if err != nil {
		return -1
	}
	b, err := peer.Bytes()
	if err != nil {
		return -1
	}
	if len(a) != len(b) {
		return -1
	}
	shared := sharedPrefixBits(a, b)
	if shared == len(a)*8 {
		return -1
	}
	return shared
}

// uidBigInt decodes u into an unsigned big integer, used only for XOR
// distance ordering. Undecodable UIDs map to zero.
func uidBigInt(u UID) *big.Int {
	b, err := u.Bytes()
	if err != nil {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(b)
}

// xorDistance is the routing metric: the XOR of the two identifiers taken
// as an unsigned big integer.
func xorDistance(a, b *big.Int) *big.Int {
	return new(big.Int).Xor(a, b)
}
