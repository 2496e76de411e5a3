//go:build !unix && !windows

package walstore

import "os"

// no advisory locking on this platform, lock.hql still marks ownership.
func lockFile(*os.File) error {
	return nil
}

func unlockFile(*os.File) error {
	return nil
}
