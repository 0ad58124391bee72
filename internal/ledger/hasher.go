package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"

	"github.com/google/uuid"
)

const GenesisHashSeed = "BidLedger:genesis:v1"

// ChainHasher maintains the per-auction event hash chain.
type ChainHasher struct {
	prevHash [32]byte
}

// Genesis returns the chain root for an auction: SHA-256(seed || auction_id).
func Genesis(auctionID uuid.UUID) [32]byte {
	h := sha256.New()
	h.Write([]byte(GenesisHashSeed))
	h.Write(auctionID[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewChainHasher starts a chain at the auction's genesis hash.
func NewChainHasher(auctionID uuid.UUID) *ChainHasher {
	return &ChainHasher{prevHash: Genesis(auctionID)}
}

// RestoreChainHasher resumes a chain from a persisted tip.
func RestoreChainHasher(tip [32]byte) *ChainHasher {
	return &ChainHasher{prevHash: tip}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain.
func (h *ChainHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	h.prevHash = ChainLink(h.prevHash, sequence, digest)
	return h.prevHash
}

// Tip returns the current chain head.
func (h *ChainHasher) Tip() [32]byte {
	return h.prevHash
}

// ChainLink is the pure form of ComputeHash, used by integrity checks.
func ChainLink(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Digest returns canonical bytes for an event payload. Struct fields encode
// in declaration order, so the output is stable for a given payload.
func Digest(payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		panic("FATAL: event payload not encodable: " + err.Error())
	}
	return data
}
