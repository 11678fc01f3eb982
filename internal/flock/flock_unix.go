//go:build unix

package flock

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func lock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to lock %s", f.Name())
		}
		return nil
	}
}

func unlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrapf(err, "failed to unlock %s", f.Name())
	}
	return nil
}
