package net

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DigestTracker pairs local and peer digests per block. Both sides are kept
// in bounded LRU caches, so a peer running far ahead or behind only costs
// cache slots.
type DigestTracker struct {
	mu     sync.Mutex
	local  *lru.Cache[uint64, [32]byte]
	remote *lru.Cache[uint64, map[peer.ID][32]byte]

	mismatches atomic.Uint64
}

func NewDigestTracker(size int) (*DigestTracker, error) {
	local, err := lru.New[uint64, [32]byte](size)
	if err != nil {
		return nil, err
	}
	remote, err := lru.New[uint64, map[peer.ID][32]byte](size)
	if err != nil {
		return nil, err
	}
	return &DigestTracker{local: local, remote: remote}, nil
}

// RecordLocal stores our digest for block and returns the peers that had
// already announced a different one.
func (t *DigestTracker) RecordLocal(block uint64, digest [32]byte) []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.local.Add(block, digest)
	seen, ok := t.remote.Get(block)
	if !ok {
		return nil
	}
	var bad []peer.ID
	for id, d := range seen {
		if d != digest {
			bad = append(bad, id)
		}
	}
	t.mismatches.Add(uint64(len(bad)))
	return bad
}

// RecordRemote stores a peer's digest. known reports whether we have our own
// digest for block yet; match is only meaningful when known is true.
func (t *DigestTracker) RecordRemote(from peer.ID, block uint64, digest [32]byte) (match, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ours, ok := t.local.Get(block); ok {
		if ours != digest {
			t.mismatches.Add(1)
			return false, true
		}
		return true, true
	}
	seen, ok := t.remote.Get(block)
	if !ok {
		seen = make(map[peer.ID][32]byte)
		t.remote.Add(block, seen)
	}
	seen[from] = digest
	return false, false
}

// Mismatches is the number of disagreeing digests seen so far.
func (t *DigestTracker) Mismatches() uint64 {
	return t.mismatches.Load()
}
