package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the chain in process memory. Tests and the default
// server use it; production deployments point at the SQLite store.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	head    string
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{head: genesisHash}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e.Seq = s.seq
	e.PreviousHash = s.head
	hash, err := e.computeHash()
	if err != nil {
		s.seq--
		return fmt.Errorf("audit: hash entry: %w", err)
	}
	e.EntryHash = hash
	s.head = hash
	s.entries = append(s.entries, *e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, entityID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryStore) VerifyChain(_ context.Context) (*VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return verifyEntries(s.entries)
}

// verifyEntries walks a chain in seq order and recomputes every hash.
func verifyEntries(entries []Entry) (*VerifyResult, error) {
	prev := genesisHash
	for _, e := range entries {
		if e.PreviousHash != prev {
			return &VerifyResult{
				Valid: false, Entries: len(entries), BrokenSeq: e.Seq, BrokenHash: e.EntryHash,
				Message: fmt.Sprintf("entry %d previous-hash mismatch", e.Seq),
			}, nil
		}
		want, err := e.computeHash()
		if err != nil {
			return nil, err
		}
		if want != e.EntryHash {
			return &VerifyResult{
				Valid: false, Entries: len(entries), BrokenSeq: e.Seq, BrokenHash: e.EntryHash,
				Message: fmt.Sprintf("entry %d content hash mismatch", e.Seq),
			}, nil
		}
		prev = e.EntryHash
	}
	return &VerifyResult{Valid: true, Entries: len(entries)}, nil
}
