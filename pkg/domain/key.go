package domain

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the fixed width of a flow key in bytes.
const KeySize = 32

// FlowKey is the fixed-width identifier of a flow. Keys shorter than
// KeySize are zero-padded; longer keys are folded through BLAKE2b-256
// so the full input still contributes to the key. The fold hash is part
// of the on-disk/on-wire contract: changing it changes collision
// behavior for every caller that registers long keys.
type FlowKey [KeySize]byte

// NewFlowKey builds a FlowKey from raw bytes, applying the padding and
// folding rules.
func NewFlowKey(b []byte) FlowKey {
	var k FlowKey
	if len(b) <= KeySize {
		copy(k[:], b)
		return k
	}
	sum := blake2b.Sum256(b)
	copy(k[:], sum[:])
	return k
}

// IsZero reports whether the key is all zero bytes.
func (k FlowKey) IsZero() bool {
	for _, b := range k {
		if b != 0 {
			return false
		}
	}
	return true
}

// String returns the key as lowercase hex.
func (k FlowKey) String() string {
	return hex.EncodeToString(k[:])
}
