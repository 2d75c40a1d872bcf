package blobupload

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"slices"
	"sync"
)

// memBlockStore is an in-memory BlockStore. It verifies the transactional
// MD5 on every PutBlock the way the real store does, and records the order
// of PutBlock calls so tests can assert which blocks were (re-)transferred.
type memBlockStore struct {
	mu        sync.Mutex
	staged    map[string][]byte
	committed []string
	puts      []string // block IDs in PutBlock call order

	// failPutBlock, when set, is consulted before staging a block.
	failPutBlock func(blockID string) error
	// failPutBlockList, when set, is consulted before committing.
	failPutBlockList func() error
	// dropLastCommitted simulates a store that silently loses the last
	// block of a committed list.
	dropLastCommitted bool
}

func newMemBlockStore() *memBlockStore {
	return &memBlockStore{staged: make(map[string][]byte)}
}

func (s *memBlockStore) PutBlock(ctx context.Context, blockID string, data []byte, contentMD5 []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPutBlock != nil {
		if err := s.failPutBlock(blockID); err != nil {
			return err
		}
	}

	sum := md5.Sum(data)
	if !bytes.Equal(sum[:], contentMD5) {
		return fmt.Errorf("md5 mismatch for block %s", blockID)
	}

	s.staged[blockID] = slices.Clone(data)
	s.puts = append(s.puts, blockID)
	return nil
}

func (s *memBlockStore) PutBlockList(ctx context.Context, blockIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPutBlockList != nil {
		if err := s.failPutBlockList(); err != nil {
			return err
		}
	}

	for _, id := range blockIDs {
		if _, ok := s.staged[id]; !ok {
			return fmt.Errorf("block %s was never staged", id)
		}
	}

	s.committed = slices.Clone(blockIDs)
	if s.dropLastCommitted && len(s.committed) > 0 {
		s.committed = s.committed[:len(s.committed)-1]
	}
	return nil
}

func (s *memBlockStore) GetBlockList(ctx context.Context) ([]BlockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []BlockEntry
	for _, id := range s.committed {
		entries = append(entries, BlockEntry{ID: id, Size: int64(len(s.staged[id])), Committed: true})
	}
	for id, data := range s.staged {
		if !slices.Contains(s.committed, id) {
			entries = append(entries, BlockEntry{ID: id, Size: int64(len(data))})
		}
	}
	return entries, nil
}

// contents reassembles the committed blob.
func (s *memBlockStore) contents() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	for _, id := range s.committed {
		out = append(out, s.staged[id]...)
	}
	return out
}

// putCount returns how many times the given block was transferred.
func (s *memBlockStore) putCount(blockID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.puts {
		if id == blockID {
			n++
		}
	}
	return n
}
