package blobupload

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptRestartRecord indicates a restart record exists but could
	// not be parsed. The upload is aborted rather than silently restarted;
	// the operator deletes the record to force a fresh upload.
	ErrCorruptRestartRecord = errors.New("restart record is corrupt")

	// ErrSourceTruncated indicates the source file returned fewer bytes
	// than the plan called for, i.e. it shrank after planning.
	ErrSourceTruncated = errors.New("source file is shorter than planned")
)

// TransferError reports a failed remote operation. The restart record is
// persisted before it is returned, so a later invocation retries the same
// block (or the final commit when BlockID is empty).
type TransferError struct {
	BlockID string
	Err     error
}

func (e *TransferError) Error() string {
	if e.BlockID == "" {
		return fmt.Sprintf("failed to commit block list: %v", e.Err)
	}
	return fmt.Sprintf("failed to transfer block %s: %v", e.BlockID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// VerifyError reports blocks that were submitted in the final block list
// but are missing or uncommitted on the remote side afterwards. The
// restart record is retained so the commit can be retried.
type VerifyError struct {
	MissingBlockIDs []string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("block list verification failed: %d block(s) missing or uncommitted after commit", len(e.MissingBlockIDs))
}
