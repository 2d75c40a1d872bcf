package blobupload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// RestartSuffix is appended to the source file path to name its restart
// record. Deleting the record forces a fresh upload on the next run.
const RestartSuffix = ".azrestart"

// RestartState is the persisted recovery record for an in-progress upload.
// It is a full snapshot: together with the source file it is sufficient to
// resume without re-deriving anything else.
//
// CommittedBlockIDs holds every block ID submitted so far in ascending
// block-number order; it becomes the final committed block list. While a
// block is in flight its ID is already present (appended just before the
// transfer), so a crash mid-transfer resumes by retrying that same block
// under the same ID.
type RestartState struct {
	CurrentBlockID     string   `json:"currentBlockId,omitempty"`
	CurrentBlockNumber int64    `json:"currentBlockNumber"`
	CurrentBlockSize   int64    `json:"currentBlockSize"`
	RemainingBytes     int64    `json:"remainingBytes"`
	CommittedBlockIDs  []string `json:"committedBlockIds"`
}

// RestartStore persists and recovers RestartState records keyed by the
// source file path.
type RestartStore interface {
	// Load returns the record for the given source file, or (nil, nil)
	// when none exists. A record that exists but cannot be parsed returns
	// an error wrapping ErrCorruptRestartRecord.
	Load(sourcePath string) (*RestartState, error)
	// Save atomically replaces the record for the given source file.
	Save(sourcePath string, state *RestartState) error
	// Clear removes the record. Called only once the remote object is
	// fully committed and verified. Clearing an absent record is not an
	// error.
	Clear(sourcePath string) error
}

// RestartPath returns the location of the restart record for a source file:
// same directory, same base name, fixed suffix.
func RestartPath(sourcePath string) string {
	return sourcePath + RestartSuffix
}

type fileRestartStore struct{}

// NewRestartStore returns a RestartStore backed by a JSON file next to the
// source file.
func NewRestartStore() RestartStore {
	return fileRestartStore{}
}

func (fileRestartStore) Load(sourcePath string) (*RestartState, error) {
	dt, err := os.ReadFile(RestartPath(sourcePath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read restart record: %w", err)
	}

	var state RestartState
	if err := json.Unmarshal(dt, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v (delete the record to force a fresh upload)", ErrCorruptRestartRecord, RestartPath(sourcePath), err)
	}
	return &state, nil
}

func (fileRestartStore) Save(sourcePath string, state *RestartState) error {
	dt, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode restart record: %w", err)
	}

	// Write-then-rename so a crash mid-write is seen by Load as either the
	// previous record or a parse failure, never a half-written one that
	// looks newer than the last committed block.
	p := RestartPath(sourcePath)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, dt, 0o644); err != nil {
		return fmt.Errorf("failed to write restart record: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to replace restart record: %w", err)
	}
	return nil
}

func (fileRestartStore) Clear(sourcePath string) error {
	if err := os.Remove(RestartPath(sourcePath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove restart record: %w", err)
	}
	return nil
}
