// Package crypto provides cryptographic primitives for the node: hashing,
// address derivation, and secp256k1 ECDSA signing/verification.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/jnodes/xorcoin/pkg/types"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // pinned by protocol, not a crypto-strength choice
)

// Hash computes a SHA-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleHash computes SHA256(SHA256(data)), used for txids, block header
// hashes, and P2P message checksums.
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// AddressFromPubKey derives an address from an uncompressed secp256k1
// public key: RIPEMD160(SHA256(pubkey)).
func AddressFromPubKey(pubKey []byte) types.Address {
	sum := sha256.Sum256(pubKey)
	r := ripemd160.New()
	r.Write(sum[:])
	digest := r.Sum(nil)
	var addr types.Address
	copy(addr[:], digest)
	return addr
}

// HashConcat computes the merkle parent of two node hashes: a single
// SHA-256 over the concatenation of their hex-string representations
// (not raw bytes, and not double-hashed).
func HashConcat(a, b types.Hash) types.Hash {
	buf := make([]byte, 0, 128)
	buf = append(buf, []byte(hex.EncodeToString(a[:]))...)
	buf = append(buf, []byte(hex.EncodeToString(b[:]))...)
	return Hash(buf)
}
