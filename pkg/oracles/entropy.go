package oracles

import (
	"hash/fnv"
	"math/rand"
	"sync"
)

// Entropy supplies the index assignments the protocol needs. It is an
// interface so the engine can be driven deterministically in tests and so
// journal replay can bypass it entirely via RestoreOracle and OpenRound.
type Entropy interface {
	// OracleIndexes returns IndexCount distinct indexes in [0, IndexRange).
	OracleIndexes(seed string) [IndexCount]uint8
	// RequestIndex returns a single index in [0, IndexRange).
	RequestIndex(seed string) uint8
}

// SeededEntropy derives indexes from an fnv-64 hash of the seed plus a
// per-process nonce, so repeated requests for the same flight can land on
// different indexes.
type SeededEntropy struct {
	mu    sync.Mutex
	nonce uint64
}

func NewSeededEntropy() *SeededEntropy {
	return &SeededEntropy{}
}

func (e *SeededEntropy) rng(seed string) *rand.Rand {
	e.mu.Lock()
	e.nonce++
	n := e.nonce
	e.mu.Unlock()
	h := fnv.New64a()
	h.Write([]byte(seed))
	return rand.New(rand.NewSource(int64(h.Sum64() ^ n)))
}

func (e *SeededEntropy) OracleIndexes(seed string) [IndexCount]uint8 {
	r := e.rng(seed)
	perm := r.Perm(IndexRange)
	var out [IndexCount]uint8
	for i := 0; i < IndexCount; i++ {
		out[i] = uint8(perm[i])
	}
	return out
}

func (e *SeededEntropy) RequestIndex(seed string) uint8 {
	return uint8(e.rng(seed).Intn(IndexRange))
}
