package state

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("lock held")

// flockExclusiveNB takes a non-blocking exclusive flock on lockPath. The file
// descriptor stays open until the returned Unlock runs; the file itself is
// left in place so the holder's run ID remains readable.
func flockExclusiveNB(lockPath string) (Unlock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errWouldBlock
		}
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		released = true
	}, nil
}
