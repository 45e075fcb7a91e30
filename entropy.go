package lottery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// MinSeedLength is the number of seed bytes an index derivation reads
const MinSeedLength = 8

// EntropySource supplies the random seed for one operation.
// A draw obtains exactly one seed and reuses it for every step.
type EntropySource interface {
	Seed(ctx context.Context) ([]byte, error)
}

// CryptoEntropy draws seeds from crypto/rand
type CryptoEntropy struct {
	size int
}

// NewCryptoEntropy creates a crypto/rand seed source producing size-byte seeds
func NewCryptoEntropy(size ...int) *CryptoEntropy {
	n := DefaultSeedSize
	if len(size) > 0 && size[0] >= MinSeedLength {
		n = size[0]
	}
	return &CryptoEntropy{size: n}
}

// Seed returns a fresh random seed
func (e *CryptoEntropy) Seed(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := make([]byte, e.size)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	return seed, nil
}

// StaticEntropy replays a fixed list of seeds, cycling when exhausted.
// Used to replay recorded draws and in tests.
type StaticEntropy struct {
	mu    sync.Mutex
	seeds [][]byte
	next  int
}

// NewStaticEntropy creates a replaying seed source
func NewStaticEntropy(seeds ...[]byte) *StaticEntropy {
	return &StaticEntropy{seeds: seeds}
}

// Seed returns the next recorded seed
func (e *StaticEntropy) Seed(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.seeds) == 0 {
		return nil, ErrEntropyTooShort
	}

	seed := e.seeds[e.next%len(e.seeds)]
	e.next++

	out := make([]byte, len(seed))
	copy(out, seed)
	return out, nil
}

// IndexDeriver maps (seed, step) to a 64-bit value that the draw engine
// reduces modulo the remaining player count.
type IndexDeriver func(seed []byte, step uint64) uint64

// MixedIndex hashes the seed together with the step index so that every
// step within one draw uses a different value.
func MixedIndex(seed []byte, step uint64) uint64 {
	buf := make([]byte, 0, len(seed)+8)
	buf = append(buf, seed...)
	buf = binary.LittleEndian.AppendUint64(buf, step)

	sum := blake2b.Sum256(buf)
	return binary.LittleEndian.Uint64(sum[:8])
}

// LegacyIndex reads the first 8 seed bytes little-endian and ignores the step.
// Every step of one draw sees the same value; kept to replay historical draws.
func LegacyIndex(seed []byte, _ uint64) uint64 {
	return binary.LittleEndian.Uint64(seed[:8])
}

// IndexDerivation names a derivation in configuration
type IndexDerivation string

const (
	DerivationMixed  IndexDerivation = "mixed"
	DerivationLegacy IndexDerivation = "legacy"
)

// Deriver returns the IndexDeriver for the configured name; unknown names
// fall back to MixedIndex.
func (d IndexDerivation) Deriver() IndexDeriver {
	if d == DerivationLegacy {
		return LegacyIndex
	}
	return MixedIndex
}

// Valid reports whether d is a known derivation name
func (d IndexDerivation) Valid() bool {
	return d == DerivationMixed || d == DerivationLegacy
}
