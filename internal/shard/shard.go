// Package shard picks which LMTP worker process should serve a given
// model, using rendezvous hashing so adding or removing a worker only
// reshuffles the models it was already responsible for.
package shard

import "github.com/dgryski/go-rendezvous"

// hashString is rendezvous's required hash function: it only needs to be
// a fast, well-distributed string hash, not cryptographic.
func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Selector maps model names onto a fixed set of worker ids.
type Selector struct {
	rv      *rendezvous.Rendezvous
	workers []string
}

// NewSelector builds a Selector over the given worker ids.
func NewSelector(workers []string) *Selector {
	return &Selector{
		rv:      rendezvous.New(workers, hashString),
		workers: append([]string(nil), workers...),
	}
}

// WorkerFor returns which worker id should host model.
func (s *Selector) WorkerFor(model string) string {
	return s.rv.Lookup(model)
}

// Add registers a new worker id, rebuilding the hash ring.
func (s *Selector) Add(workerID string) {
	s.workers = append(s.workers, workerID)
	s.rv = rendezvous.New(s.workers, hashString)
}

// Remove drops a worker id, rebuilding the hash ring.
func (s *Selector) Remove(workerID string) {
	out := s.workers[:0]
	for _, w := range s.workers {
		if w != workerID {
			out = append(out, w)
		}
	}
	s.workers = out
	s.rv = rendezvous.New(s.workers, hashString)
}
