package flashkv

import (
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// flock acquires an advisory lock on an image file descriptor.
func flock(f *os.File, readOnly bool) error {
	flag := syscall.LOCK_EX
	if readOnly {
		flag = syscall.LOCK_SH
	}

	err := syscall.Flock(int(f.Fd()), flag|syscall.LOCK_NB)
	if err == nil {
		return nil
	} else if err.(syscall.Errno) == syscall.EWOULDBLOCK || err.(syscall.Errno) == syscall.EAGAIN { // linux & unix
		return ErrLockedByOther
	} else {
		return errors.Wrap(err, "flock failed: unknown error")
	}
}

// waitflock retries flock until it succeeds or the timeout elapses.
// A zero timeout tries exactly once.
func waitflock(f *os.File, readOnly bool, timeout time.Duration) error {
	var t time.Time
	for {
		err := flock(f, readOnly)
		if !errors.Is(err, ErrLockedByOther) {
			return err
		}
		if t.IsZero() {
			if timeout <= 0 {
				return err
			}
			t = time.Now()
		} else if time.Since(t) > timeout {
			return err
		}
		// Wait for a bit and try again.
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases an advisory lock on an image file descriptor.
func funlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
