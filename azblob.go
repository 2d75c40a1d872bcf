package blobupload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

type azblobStore struct {
	bb *blockblob.Client
}

// NewBlockStore creates a BlockStore for the destination named by the
// configuration. The blob takes the source file's base name. The container
// must already exist; container lifecycle is not this tool's business.
func NewBlockStore(cfg Config) (BlockStore, error) {
	client, err := newAzblobClient(cfg)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(cfg.SourceFile)
	bb := client.ServiceClient().NewContainerClient(cfg.Container).NewBlockBlobClient(name)
	return &azblobStore{bb: bb}, nil
}

func newAzblobClient(cfg Config) (*azblob.Client, error) {
	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client from connection string: %w", err)
		}
		return client, nil
	}

	serviceURL := cfg.ServiceURL
	if !strings.Contains(serviceURL, "://") {
		// Assume storage account name if no scheme is provided
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", serviceURL)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain Azure credential: %w", err)
	}

	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client for %s: %w", serviceURL, err)
	}
	return client, nil
}

func (s *azblobStore) PutBlock(ctx context.Context, blockID string, data []byte, contentMD5 []byte) error {
	rdr := streaming.NopCloser(bytes.NewReader(data))
	opts := &blockblob.StageBlockOptions{
		TransactionalValidation: blob.TransferValidationTypeMD5(contentMD5),
	}
	if _, err := s.bb.StageBlock(ctx, blockID, rdr, opts); err != nil {
		return fmt.Errorf("failed to stage block %s: %w", blockID, err)
	}
	return nil
}

func (s *azblobStore) PutBlockList(ctx context.Context, blockIDs []string) error {
	if _, err := s.bb.CommitBlockList(ctx, blockIDs, nil); err != nil {
		return fmt.Errorf("failed to commit block list: %w", err)
	}
	return nil
}

func (s *azblobStore) GetBlockList(ctx context.Context) ([]BlockEntry, error) {
	resp, err := s.bb.GetBlockList(ctx, blockblob.BlockListTypeAll, nil)
	if err != nil {
		if isBlobNotFoundError(err) {
			// Nothing staged yet.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get block list: %w", err)
	}

	entries := make([]BlockEntry, 0, len(resp.CommittedBlocks)+len(resp.UncommittedBlocks))
	for _, b := range resp.CommittedBlocks {
		entries = append(entries, BlockEntry{ID: *b.Name, Size: *b.Size, Committed: true})
	}
	for _, b := range resp.UncommittedBlocks {
		entries = append(entries, BlockEntry{ID: *b.Name, Size: *b.Size})
	}
	return entries, nil
}

func isBlobNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.StatusCode == 404
	}

	return strings.Contains(err.Error(), "BlobNotFound") ||
		strings.Contains(err.Error(), "404")
}
