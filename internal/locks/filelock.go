package locks

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

// fileLock is a flock(2)-based lock on a sentinel file, giving lock
// semantics across orchestrator processes sharing a workspace. Shared
// registry locks map to LOCK_SH, exclusive ones to LOCK_EX.
type fileLock struct {
	path string
	file *os.File
}

// sentinelPath derives a stable sentinel file name for a resource.
func sentinelPath(lockDir, resource string) string {
	h := fnv.New32a()
	h.Write([]byte(CanonicalPath(resource)))
	return filepath.Join(lockDir, fmt.Sprintf("%s_%08x.lock", filepath.Base(resource), h.Sum32()))
}

// tryAcquireFileLock takes a non-blocking flock on the sentinel for the
// resource. Returns (nil, false, nil) when another process holds a
// conflicting lock.
func tryAcquireFileLock(lockDir, resource string, kind domain.LockKind) (*fileLock, bool, error) {
	path := sentinelPath(lockDir, resource)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open lock sentinel %s: %w", path, err)
	}

	how := unix.LOCK_EX | unix.LOCK_NB
	if kind == domain.LockShared {
		how = unix.LOCK_SH | unix.LOCK_NB
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock on %s: %w", path, err)
	}

	return &fileLock{path: path, file: f}, true, nil
}

// convert re-locks the already-open sentinel descriptor with the given
// kind. flock on the same descriptor converts the lock atomically, so
// re-acquisitions and shared-to-exclusive upgrades must go through here
// rather than opening a second descriptor that would conflict with our
// own lock. Returns false when another process blocks the conversion.
func (l *fileLock) convert(kind domain.LockKind) (bool, error) {
	how := unix.LOCK_EX | unix.LOCK_NB
	if kind == domain.LockShared {
		how = unix.LOCK_SH | unix.LOCK_NB
	}
	if err := unix.Flock(int(l.file.Fd()), how); err != nil {
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock on %s: %w", l.path, err)
	}
	return true, nil
}

// release drops the flock and closes the sentinel. The file itself is
// left in place; flock state dies with the descriptor.
func (l *fileLock) release() {
	if l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
