package matcher

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/yairfalse/flowreg/pkg/domain"
)

// HashAlgorithm selects how keys are hashed into the table.
type HashAlgorithm string

const (
	// HashXX is the default fast non-cryptographic hash.
	HashXX HashAlgorithm = "xxhash"

	// HashBlake2b is the keyed cryptographic option for deployments
	// where keys are attacker-influenced and hash flooding is a
	// concern.
	HashBlake2b HashAlgorithm = "blake2b"
)

type hashFunc func(key domain.FlowKey) uint64

// newHashFunc builds the hash function for the given algorithm. The
// seed perturbs the hash so two tables never share a probe order.
func newHashFunc(algo HashAlgorithm, seed uint64) (hashFunc, error) {
	switch algo {
	case HashXX, "":
		if seed == 0 {
			return func(key domain.FlowKey) uint64 {
				return xxhash.Sum64(key[:])
			}, nil
		}
		var seedBytes [8]byte
		binary.LittleEndian.PutUint64(seedBytes[:], seed)
		return func(key domain.FlowKey) uint64 {
			d := xxhash.New()
			d.Write(seedBytes[:])
			d.Write(key[:])
			return d.Sum64()
		}, nil
	case HashBlake2b:
		var mac [32]byte
		binary.LittleEndian.PutUint64(mac[:], seed)
		return func(key domain.FlowKey) uint64 {
			h, _ := blake2b.New256(mac[:16])
			h.Write(key[:])
			sum := h.Sum(nil)
			return binary.LittleEndian.Uint64(sum[:8])
		}, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algo)
	}
}
