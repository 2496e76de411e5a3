//go:build !linux

package walfs

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
