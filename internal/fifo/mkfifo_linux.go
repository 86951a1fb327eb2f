package fifo

import (
	"os"

	"golang.org/x/sys/unix"
)

// mkfifo creates path as a named pipe, tolerating it already existing.
func mkfifo(path string) error {
	err := unix.Mkfifo(path, 0o600)
	if err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}
