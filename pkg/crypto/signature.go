package crypto

import (
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer signs messages with a private key using ECDSA/secp256k1.
type Signer interface {
	// Sign produces a low-S DER-encoded ECDSA signature over a 32-byte hash.
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the uncompressed 65-byte public key.
	PublicKey() []byte
}

// Verifier verifies ECDSA/secp256k1 signatures.
type Verifier interface {
	// Verify checks an ECDSA signature against a hash and public key.
	// High-S signatures are rejected outright; callers must not
	// normalize and retry.
	Verify(hash, signature, publicKey []byte) bool
}

// PrivateKey wraps a secp256k1 private key for ECDSA signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Sign produces a DER-encoded ECDSA signature over a 32-byte hash.
// decred's ecdsa.Sign always returns the low-S form of the signature,
// so no separate normalization step is needed on the signing side.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig := ecdsa.Sign(pk.key, hash)
	return sig.Serialize(), nil
}

// PublicKey returns the uncompressed 65-byte public key, the form the
// address derivation function (address = RIPEMD160(SHA256(pubkey)))
// expects.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeUncompressed()
}

// CompressedPublicKey returns the compressed 33-byte public key, used
// only on the wire where a shorter encoding is preferred; address
// derivation always uses the uncompressed form.
func (pk *PrivateKey) CompressedPublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// VerifySignature checks a DER-encoded ECDSA signature against a
// 32-byte hash and a public key (compressed or uncompressed).
// High-S signatures are rejected outright: this is stricter than
// plain ECDSA verification, which accepts either S value, and the
// caller must not normalize a high-S signature before retrying.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	if isHighS(signature) {
		return false
	}
	return sig.Verify(hash, pubKey)
}

// curveOrder is the secp256k1 group order N.
var curveOrder, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)

// halfOrder is N/2. A signature's S value strictly greater than
// halfOrder is the "high-S" form.
var halfOrder = new(big.Int).Rsh(curveOrder, 1)

// derSignature mirrors the ASN.1 SEQUENCE{INTEGER r, INTEGER s}
// encoding of a DER ECDSA signature.
type derSignature struct {
	R, S *big.Int
}

// isHighS reports whether a DER-encoded signature's S component is in
// the upper half of the curve order, i.e. S > N/2. It reads the
// signature bytes as received, not a re-serialization of them.
func isHighS(der []byte) bool {
	var parsed derSignature
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return true
	}
	if parsed.S == nil {
		return true
	}
	return parsed.S.Cmp(halfOrder) == 1
}

// ECDSAVerifier implements the Verifier interface.
type ECDSAVerifier struct{}

// Verify checks an ECDSA signature against a hash and public key.
func (v ECDSAVerifier) Verify(hash, signature, publicKey []byte) bool {
	return VerifySignature(hash, signature, publicKey)
}
