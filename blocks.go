package blobupload

import (
	"encoding/base64"
	"fmt"
)

// DefaultBlockSize is the block size used when the configuration does not
// specify one.
const DefaultBlockSize = 100 * 1024 * 1024 // 100 MiB

// UploadPlan describes how a source file of a given size is split into
// fixed-size blocks. It is derived from the file, never persisted.
type UploadPlan struct {
	FileSize  int64
	BlockSize int64
}

// NewUploadPlan validates the sizes and returns a plan. All blocks have
// BlockSize bytes except possibly the last.
func NewUploadPlan(fileSize, blockSize int64) (UploadPlan, error) {
	if fileSize < 0 {
		return UploadPlan{}, fmt.Errorf("file size must not be negative, got %d", fileSize)
	}
	if blockSize <= 0 {
		return UploadPlan{}, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	return UploadPlan{FileSize: fileSize, BlockSize: blockSize}, nil
}

// BlockCount returns the number of blocks the plan produces. A zero-length
// file produces zero blocks.
func (p UploadPlan) BlockCount() int64 {
	return (p.FileSize + p.BlockSize - 1) / p.BlockSize
}

// Descriptor returns the descriptor for block n.
func (p UploadPlan) Descriptor(n int64) BlockDescriptor {
	offset := n * p.BlockSize
	length := p.BlockSize
	if remain := p.FileSize - offset; remain < length {
		length = remain
	}
	return BlockDescriptor{
		Number: n,
		Offset: offset,
		Length: length,
		ID:     blockNumberToID(n),
	}
}

// SequenceFrom returns a lazy iterator over the plan's blocks starting at
// block n, in ascending block-number order.
func (p UploadPlan) SequenceFrom(n int64) *blockSequence {
	return &blockSequence{plan: p, next: n}
}

// BlockDescriptor identifies one contiguous byte range of the source file.
type BlockDescriptor struct {
	Number int64
	Offset int64
	Length int64
	ID     string
}

// blockSequence yields block descriptors one at a time so that a plan for
// an arbitrarily large file never materializes all descriptors at once.
type blockSequence struct {
	plan UploadPlan
	next int64
	cur  BlockDescriptor
}

func (s *blockSequence) Next() bool {
	if s.next >= s.plan.BlockCount() {
		return false
	}
	s.cur = s.plan.Descriptor(s.next)
	s.next++
	return true
}

func (s *blockSequence) Descriptor() BlockDescriptor {
	return s.cur
}

// Block ID's must be unique for the blob, base64 encoded, and all the same
// encoded length. The block number is zero-padded into a seven digit field
// so every ID has the same width and the same number always yields the
// same ID, which is what makes retried and resumed blocks idempotent.
const blockIDDigits = 7

func blockNumberToID(n int64) string {
	return base64.StdEncoding.EncodeToString(fmt.Appendf(nil, "%0*d", blockIDDigits, n))
}

func blockIDToNumber(blockID string) (int64, error) {
	decoded, err := base64.StdEncoding.DecodeString(blockID)
	if err != nil {
		return 0, fmt.Errorf("failed to decode block ID %q: %w", blockID, err)
	}
	var n int64
	if _, err := fmt.Sscanf(string(decoded), "%d", &n); err != nil {
		return 0, fmt.Errorf("failed to parse block number from block ID %q: %w", string(decoded), err)
	}
	return n, nil
}
