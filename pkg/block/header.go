package block

import (
	"encoding/binary"

	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/types"
)

// Header contains block metadata. Hashing covers exactly these seven
// fields; Block.Transactions is the block's eighth field and is
// deliberately excluded from the header hash.
type Header struct {
	Version    uint32     `json:"version"`
	Height     uint64     `json:"height"`
	Timestamp  uint64     `json:"timestamp"`
	PrevHash   types.Hash `json:"prev_block_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Difficulty uint64     `json:"difficulty"`
	Nonce      uint64     `json:"nonce"`
}

// Hash computes the block header hash: double-SHA256 over the
// canonical serialization of the seven header fields.
func (h *Header) Hash() types.Hash {
	return crypto.DoubleHash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes hashed for a block header.
// Format: version(4) | height(8) | timestamp(8) | prev_block_hash(32) |
// merkle_root(32) | difficulty(8) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 100)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}
