package blobupload

import (
	"context"
)

// BlockStore is the remote side of an upload: a block blob addressed by
// container and blob name. Implementations stage individual blocks, commit
// an ordered block list, and report the blob's current block list.
type BlockStore interface {
	// PutBlock stages one block under the given base64 block ID. The
	// contentMD5 digest covers exactly the bytes in data and is verified
	// by the store on receipt.
	PutBlock(ctx context.Context, blockID string, data []byte, contentMD5 []byte) error

	// PutBlockList commits the ordered list of previously staged blocks
	// as the blob's final content.
	PutBlockList(ctx context.Context, blockIDs []string) error

	// GetBlockList returns all blocks known to the store for this blob,
	// committed and uncommitted. A blob with no staged blocks yields an
	// empty list, not an error.
	GetBlockList(ctx context.Context) ([]BlockEntry, error)
}

// BlockEntry describes one block as reported by the remote store.
type BlockEntry struct {
	ID        string
	Size      int64
	Committed bool
}
