package blobupload

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// UploaderConfig tunes the upload executor. The zero value gives the
// reference behavior: 100 MiB blocks, one block in flight, default retries.
type UploaderConfig struct {
	// BlockSize in bytes; DefaultBlockSize when zero.
	BlockSize int64
	// Concurrency bounds the number of in-flight blocks. Values below 2
	// give the strictly sequential reference behavior. Each in-flight
	// block buffers its full byte range, so this also bounds peak memory.
	Concurrency int
	// Retry is the per-request retry policy; DefaultRetryConfig when zero.
	Retry RetryConfig
}

// Uploader transfers one local file to a block blob, persisting restart
// state as it goes so an interrupted run can resume from the last
// incomplete block.
type Uploader struct {
	store    BlockStore
	restarts RestartStore

	blockSize   int64
	concurrency int
	retry       RetryConfig
}

func NewUploader(store BlockStore, restarts RestartStore, cfg UploaderConfig) *Uploader {
	u := &Uploader{
		store:       store,
		restarts:    restarts,
		blockSize:   cfg.BlockSize,
		concurrency: cfg.Concurrency,
		retry:       cfg.Retry,
	}
	if u.blockSize <= 0 {
		u.blockSize = DefaultBlockSize
	}
	if u.concurrency < 1 {
		u.concurrency = 1
	}
	if u.retry == (RetryConfig{}) {
		u.retry = DefaultRetryConfig()
	}
	return u
}

// Upload transfers sourcePath to the remote store, resuming from a restart
// record if one exists. On success the remote object is committed, verified,
// and the restart record removed. On a transfer failure the record is left
// in place pointing at the block that must be retried.
func (u *Uploader) Upload(ctx context.Context, sourcePath string) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	plan, err := NewUploadPlan(fi.Size(), u.blockSize)
	if err != nil {
		return err
	}

	state, err := u.planState(ctx, sourcePath, plan)
	if err != nil {
		return err
	}

	if plan.FileSize == 0 {
		// A zero-byte source commits an empty block list, materializing a
		// zero-length blob.
		slog.InfoContext(ctx, "source file is empty, committing empty block list", "source", sourcePath)
	} else if u.concurrency > 1 {
		err = u.transferConcurrent(ctx, sourcePath, f, plan, state)
	} else {
		err = u.transferSequential(ctx, sourcePath, f, plan, state)
	}
	if err != nil {
		return err
	}

	if err := u.commit(ctx, state); err != nil {
		return err
	}

	if err := u.restarts.Clear(sourcePath); err != nil {
		return err
	}

	slog.InfoContext(ctx, "upload complete", "source", sourcePath, "size", plan.FileSize, "blocks", plan.BlockCount())
	return nil
}

// planState recovers a persisted RestartState or derives a fresh one from
// the plan. A recovered record must still be consistent with the source
// file's size; a mismatch means the file changed since planning.
func (u *Uploader) planState(ctx context.Context, sourcePath string, plan UploadPlan) (*RestartState, error) {
	state, err := u.restarts.Load(sourcePath)
	if err != nil {
		return nil, err
	}

	if state == nil {
		slog.InfoContext(ctx, "starting fresh upload", "source", sourcePath, "size", plan.FileSize, "blockSize", plan.BlockSize, "blocks", plan.BlockCount())
		return &RestartState{
			RemainingBytes:    plan.FileSize,
			CommittedBlockIDs: []string{},
		}, nil
	}

	if state.RemainingBytes < 0 || state.CurrentBlockNumber*plan.BlockSize+state.RemainingBytes != plan.FileSize {
		return nil, fmt.Errorf("restart record for %s does not match source file of %d bytes; delete %s to force a fresh upload",
			sourcePath, plan.FileSize, RestartPath(sourcePath))
	}

	slog.InfoContext(ctx, "resuming upload", "source", sourcePath,
		"block", state.CurrentBlockNumber, "remaining", state.RemainingBytes,
		"committed", len(state.CommittedBlockIDs))
	return state, nil
}

// transferSequential runs the reference loop: one block in flight, one
// restart-state write per block, persisted before the transfer so a crash
// leaves the record pointing at the block that must be retried.
func (u *Uploader) transferSequential(ctx context.Context, sourcePath string, f *os.File, plan UploadPlan, state *RestartState) error {
	buf := make([]byte, min(plan.BlockSize, plan.FileSize))

	seq := plan.SequenceFrom(state.CurrentBlockNumber)
	for state.RemainingBytes > 0 && seq.Next() {
		desc := seq.Descriptor()

		data, sum, err := readBlock(f, desc, buf)
		if err != nil {
			// Local error: the persisted record already points at this
			// block, so a later run retries it once the file is fixed.
			return err
		}

		// The in-flight block's ID goes into the committed list before the
		// transfer; the guard keeps a retried block from appearing twice.
		if !slices.Contains(state.CommittedBlockIDs, desc.ID) {
			state.CommittedBlockIDs = append(state.CommittedBlockIDs, desc.ID)
		}
		state.CurrentBlockID = desc.ID
		state.CurrentBlockNumber = desc.Number
		state.CurrentBlockSize = desc.Length
		if err := u.restarts.Save(sourcePath, state); err != nil {
			return err
		}

		slog.InfoContext(ctx, "uploading block", "block", desc.Number, "size", desc.Length, "remaining", state.RemainingBytes)

		err = retryWithBackoff(ctx, u.retry, func() error {
			return u.store.PutBlock(ctx, desc.ID, data, sum)
		})
		if err != nil {
			// The block was never confirmed, so its ID comes back out of
			// the committed list before the record is persisted.
			if n := len(state.CommittedBlockIDs); n > 0 && state.CommittedBlockIDs[n-1] == desc.ID {
				state.CommittedBlockIDs = state.CommittedBlockIDs[:n-1]
			}
			if saveErr := u.restarts.Save(sourcePath, state); saveErr != nil {
				slog.ErrorContext(ctx, "failed to persist restart state after transfer failure", "error", saveErr)
			}
			return &TransferError{BlockID: desc.ID, Err: err}
		}

		state.RemainingBytes -= desc.Length
		state.CurrentBlockNumber = desc.Number + 1
		state.CurrentBlockID = ""
		state.CurrentBlockSize = 0
	}

	return nil
}

// transferConcurrent stages up to u.concurrency blocks at once. Blocks are
// read and dispatched in ascending order; the persisted record only ever
// reflects the contiguous acknowledged prefix, so no block is recorded as
// committed without a transfer acknowledgment and a crash resumes safely
// (out-of-order blocks beyond the frontier are simply re-staged).
func (u *Uploader) transferConcurrent(ctx context.Context, sourcePath string, f *os.File, plan UploadPlan, state *RestartState) error {
	sem := semaphore.NewWeighted(int64(u.concurrency))
	group, groupCtx := errgroup.WithContext(ctx)

	tracker := &frontierTracker{
		plan:     plan,
		restarts: u.restarts,
		source:   sourcePath,
		acked:    make(map[int64]struct{}),
		frontier: state.CurrentBlockNumber,
	}

	var dispatchErr error
	seq := plan.SequenceFrom(state.CurrentBlockNumber)
	for seq.Next() {
		desc := seq.Descriptor()

		// Acquire before buffering so peak memory stays bounded by the
		// concurrency limit. Cancellation stops new dispatches here while
		// in-flight transfers finish or fail on their own.
		if err := sem.Acquire(groupCtx, 1); err != nil {
			dispatchErr = err
			break
		}

		buf := make([]byte, desc.Length)
		data, sum, err := readBlock(f, desc, buf)
		if err != nil {
			sem.Release(1)
			dispatchErr = err
			break
		}

		slog.InfoContext(ctx, "uploading block", "block", desc.Number, "size", desc.Length)
		group.Go(func() error {
			defer sem.Release(1)
			err := retryWithBackoff(groupCtx, u.retry, func() error {
				return u.store.PutBlock(groupCtx, desc.ID, data, sum)
			})
			if err != nil {
				return &TransferError{BlockID: desc.ID, Err: err}
			}
			return tracker.ack(desc.Number)
		})
	}

	err := group.Wait()
	if err == nil {
		err = dispatchErr
	}

	snap := tracker.snapshot()
	if err != nil {
		if saveErr := u.restarts.Save(sourcePath, snap); saveErr != nil {
			slog.ErrorContext(ctx, "failed to persist restart state after transfer failure", "error", saveErr)
		}
		return err
	}

	*state = *snap
	return nil
}

// frontierTracker serializes restart-state writes for the concurrent path.
// frontier is the smallest block number not yet acknowledged; everything
// below it is durably staged and recorded.
type frontierTracker struct {
	mu       sync.Mutex
	plan     UploadPlan
	restarts RestartStore
	source   string
	acked    map[int64]struct{}
	frontier int64
}

func (t *frontierTracker) ack(n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.acked[n] = struct{}{}
	advanced := false
	for {
		if _, ok := t.acked[t.frontier]; !ok {
			break
		}
		delete(t.acked, t.frontier)
		t.frontier++
		advanced = true
	}
	if !advanced {
		return nil
	}
	return t.restarts.Save(t.source, t.state())
}

func (t *frontierTracker) snapshot() *RestartState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state()
}

func (t *frontierTracker) state() *RestartState {
	ids := make([]string, t.frontier)
	for i := range ids {
		ids[i] = blockNumberToID(int64(i))
	}
	remaining := t.plan.FileSize - t.frontier*t.plan.BlockSize
	if remaining < 0 {
		remaining = 0
	}
	return &RestartState{
		CurrentBlockNumber: t.frontier,
		RemainingBytes:     remaining,
		CommittedBlockIDs:  ids,
	}
}

// readBlock seeks to the block's offset and reads exactly its length.
// A short read means the source shrank since planning and is fatal.
func readBlock(f *os.File, desc BlockDescriptor, buf []byte) (data []byte, contentMD5 []byte, _ error) {
	if _, err := f.Seek(desc.Offset, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("failed to seek source to offset %d: %w", desc.Offset, err)
	}

	data = buf[:desc.Length]
	if _, err := io.ReadFull(f, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, fmt.Errorf("%w: block %d wants %d bytes at offset %d", ErrSourceTruncated, desc.Number, desc.Length, desc.Offset)
		}
		return nil, nil, fmt.Errorf("failed to read block %d: %w", desc.Number, err)
	}

	sum := md5.Sum(data)
	return data, sum[:], nil
}

// commit submits the ordered block list and verifies that every intended
// block is committed afterwards. The block list is reported before and
// after submission for diagnostics. On any failure here the restart record
// stays in place so the commit can be retried.
func (u *Uploader) commit(ctx context.Context, state *RestartState) error {
	if entries, err := u.fetchBlockList(ctx); err != nil {
		slog.WarnContext(ctx, "failed to fetch block list before commit", "error", err)
	} else {
		reportBlockList(ctx, "pre-commit", entries)
	}

	err := retryWithBackoff(ctx, u.retry, func() error {
		return u.store.PutBlockList(ctx, state.CommittedBlockIDs)
	})
	if err != nil {
		return &TransferError{Err: err}
	}

	entries, err := u.fetchBlockList(ctx)
	if err != nil {
		return &TransferError{Err: fmt.Errorf("failed to fetch block list after commit: %w", err)}
	}
	reportBlockList(ctx, "post-commit", entries)

	committed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Committed {
			committed[e.ID] = struct{}{}
		}
	}

	var missing []string
	for _, id := range state.CommittedBlockIDs {
		if _, ok := committed[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &VerifyError{MissingBlockIDs: missing}
	}
	return nil
}

func (u *Uploader) fetchBlockList(ctx context.Context) ([]BlockEntry, error) {
	var entries []BlockEntry
	err := retryWithBackoff(ctx, u.retry, func() error {
		var err error
		entries, err = u.store.GetBlockList(ctx)
		return err
	})
	return entries, err
}

func reportBlockList(ctx context.Context, stage string, entries []BlockEntry) {
	for _, e := range entries {
		n, err := blockIDToNumber(e.ID)
		if err != nil {
			// Foreign ID, likely staged by another writer against the same
			// blob. Report it anyway so the operator sees it.
			slog.WarnContext(ctx, "remote block with foreign ID", "stage", stage, "id", e.ID, "size", e.Size, "committed", e.Committed)
			continue
		}
		slog.InfoContext(ctx, "remote block", "stage", stage, "block", n, "id", e.ID, "size", e.Size, "committed", e.Committed)
	}
}
