package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
)

// MainLockName is the lock file serializing main worktree checkouts and
// merges across processes.
const MainLockName = "main-worktree.lock"

const lockRetryDelay = 50 * time.Millisecond

// SetMainLock moves the main worktree lock to path. Every process working
// on the repository must use the same path.
func (r *Repo) SetMainLock(path string) { r.mainLock = path }

// MainLock returns the lock file path.
func (r *Repo) MainLock() string { return r.mainLock }

func defaultMainLock(root string) string {
	return filepath.Join(root, ".git", MainLockName)
}

// lockMain blocks until this process owns the main worktree or ctx is done.
// The returned func releases it.
func (r *Repo) lockMain(ctx context.Context) (func(), error) {
	op := derrors.Op("git.lockMain")
	if err := os.MkdirAll(filepath.Dir(r.mainLock), 0o755); err != nil {
		return nil, derrors.E(op, derrors.KindIO, err)
	}
	lock := flock.New(r.mainLock)
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, derrors.E(op, derrors.KindIO, fmt.Sprintf("lock main worktree %s", r.mainLock), err)
	}
	if !locked {
		return nil, derrors.E(op, derrors.KindIO, fmt.Sprintf("main worktree lock %s not acquired", r.mainLock))
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			r.log.Warn("unlock main worktree", "path", r.mainLock, "err", err)
		}
	}, nil
}

// isMain reports whether dir is the main worktree.
func (r *Repo) isMain(dir string) bool {
	if dir == "" {
		return true
	}
	a, errA := filepath.EvalSymlinks(dir)
	b, errB := filepath.EvalSymlinks(r.root)
	if errA != nil || errB != nil {
		return filepath.Clean(dir) == filepath.Clean(r.root)
	}
	return a == b
}
