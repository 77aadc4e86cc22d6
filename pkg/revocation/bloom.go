// Package revocation implements the relay-side revocation store: a
// Bloom-filter-fronted, durably persisted set of revoked capability ids
// (spec §4.5).
package revocation

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// bloomItems/bloomFalsePositiveRate size the filter per spec §4.5: "sized
// for 100,000 items, false-positive rate 0.1%".
const (
	bloomItems           = 100_000
	bloomFalsePositiveRate = 0.001
)

// Bloom is a probabilistic set with no false negatives, backed by
// bits-and-blooms/bitset. Membership is tested with two hash functions
// derived by double-hashing SHA-256(capabilityId), the classic
// Kirsch-Mitzenmacher construction.
type Bloom struct {
	mu   sync.RWMutex
	bits *bitset.BitSet
	m    uint
	k    uint
}

// NewBloom returns a filter sized for bloomItems at bloomFalsePositiveRate.
func NewBloom() *Bloom {
	m, k := optimalParams(bloomItems, bloomFalsePositiveRate)
	return &Bloom{bits: bitset.New(m), m: m, k: k}
}

func optimalParams(n uint, p float64) (m, k uint) {
	mf := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	kf := math.Round((mf / float64(n)) * math.Ln2)
	if kf < 1 {
		kf = 1
	}
	return uint(mf), uint(kf)
}

// doubleHash produces the two base hashes from SHA-256(id) that every
// filter position is derived from (spec: "two SHA-256-derived 64-bit
// hashes with double-hashing").
func doubleHash(id string) (h1, h2 uint64) {
	sum := sha256.Sum256([]byte(id))
	h1 = binary.BigEndian.Uint64(sum[0:8])
	h2 = binary.BigEndian.Uint64(sum[8:16])
	if h2 == 0 {
		h2 = 1 // a zero second hash would make every slot collapse to h1
	}
	return h1, h2
}

func (b *Bloom) positions(id string) []uint {
	h1, h2 := doubleHash(id)
	pos := make([]uint, b.k)
	for i := uint(0); i < b.k; i++ {
		pos[i] = uint((h1 + uint64(i)*h2) % uint64(b.m))
	}
	return pos
}

// Add sets every bit position for id. Writer-exclusive, per spec §5.
func (b *Bloom) Add(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.positions(id) {
		b.bits.Set(p)
	}
}

// MaybeContains reports false only when id is definitely not present.
// A true result means "maybe" — the authoritative store must be consulted.
func (b *Bloom) MaybeContains(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.positions(id) {
		if !b.bits.Test(p) {
			return false
		}
	}
	return true
}
