package queue

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

const (
	checkpointExt     = ".dump"
	checkpointBufSize = 64 * 1024
)

// CheckpointPath returns the dump file path for a queue named name in dir.
func CheckpointPath(dir, name string) string {
	return filepath.Join(dir, name+checkpointExt)
}

// SaveCheckpoint serializes the queue to <dir>/<name>.dump atomically: the
// dump is written to a temp file, synced, then renamed over the old one.
func (q *Queue) SaveCheckpoint(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	path := CheckpointPath(dir, q.Name())
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint file: %w", err)
	}

	w := bufio.NewWriterSize(f, checkpointBufSize)
	if err := q.Serialize(w); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to install checkpoint: %w", err)
	}

	// Sync directory
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return path, nil
}

// LoadCheckpoint restores the queue from <dir>/<name>.dump. It returns false
// when no dump exists.
func (q *Queue) LoadCheckpoint(dir string) (bool, error) {
	path := CheckpointPath(dir, q.Name())
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	if err := q.Deserialize(bufio.NewReaderSize(f, checkpointBufSize)); err != nil {
		return false, fmt.Errorf("failed to restore checkpoint %s: %w", path, err)
	}
	return true, nil
}
