package walfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DirectorySyncer syncs a directory path to stable storage.
type DirectorySyncer interface {
	SyncDir(dir string) error
}

// DirectorySyncFunc adapts a function to act as a DirectorySyncer.
type DirectorySyncFunc func(dir string) error

// SyncDir implements DirectorySyncer.
func (f DirectorySyncFunc) SyncDir(dir string) error {
	return f(dir)
}

// DefaultDirectorySyncer fsyncs the directory itself.
var DefaultDirectorySyncer DirectorySyncer = DirectorySyncFunc(SyncDir)

// SyncDir makes directory entries durable.
// https://man7.org/linux/man-pages/man2/fsync.2.html
// Calling fsync() does not necessarily ensure that the entry in the
// directory containing the file has also reached disk.  For that an
// explicit fsync() on a file descriptor for the directory is also
// needed.
func SyncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}

// RemoveSegmentFile deletes a segment file and syncs its directory.
// A file that is already gone is not an error.
func RemoveSegmentFile(path string, syncer DirectorySyncer) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to remove segment file %s: %w", path, err)
	}
	if syncer != nil {
		if err := syncer.SyncDir(filepath.Dir(path)); err != nil {
			return fmt.Errorf("failed to sync directory after removal: %w", err)
		}
	}
	return nil
}
