package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrRunInProgress means another run holds the ledger lock.
var ErrRunInProgress = errors.New("another run is in progress")

// Lock is an exclusive lock file guarding one ledger.
type Lock struct {
	path string
}

// AcquireLock creates path exclusively. A lock older than staleAfter is
// taken over; zero never treats a lock as stale.
func AcquireLock(path string, staleAfter time.Duration) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("writing lock %s: %w", path, errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock %s: %w", path, err)
		}

		info, serr := os.Stat(path)
		if serr != nil || staleAfter <= 0 || time.Since(info.ModTime()) < staleAfter {
			return nil, fmt.Errorf("%w: %s", ErrRunInProgress, path)
		}
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale lock %s: %w", path, rerr)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunInProgress, path)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}
