package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const lockFilename = ".lock"

// validateLockFilePath ensures the lock file stays inside the mirror
// base directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if !strings.HasPrefix(cleanLock, cleanBase) {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}
	return nil
}

// Run synchronizes the given mirrors concurrently.
//
// The first thing to do is to acquire flock on the lock file, so two
// invocations never race on the same mirror directory.  mirrors is a
// list of mirror IDs defined in the configuration file; an empty list
// synchronizes all of them.  Every mirror's summary is returned even
// when some passes fail.
func Run(ctx context.Context, config *Config, mirrors []string, opts SyncOptions) ([]*Summary, error) {
	if err := config.Check(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return nil, errors.Mark(err, ErrStorage)
	}

	lockFile := filepath.Join(config.Dir, lockFilename)
	if err := validateLockFilePath(lockFile, config.Dir); err != nil {
		return nil, errors.Wrap(err, "Run")
	}

	file, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile path validated, 0644 standard for lock files
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return nil, errors.Wrap(err, "another sync appears to be running")
	}
	// Cleanup is registered only after the lock is won: a losing
	// invocation must never unlink the winner's lock file.  The name is
	// removed before unlocking so no third run can acquire a path that
	// is about to disappear.
	defer func() {
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()

	if len(mirrors) == 0 {
		for mirrorID := range config.Mirrors {
			mirrors = append(mirrors, mirrorID)
		}
	}
	sort.Strings(mirrors)

	if opts.DryRun {
		slog.Info("dry-run mode: planning without downloading", "mirrors", mirrors)
	} else {
		slog.Info("sync starts", "mirrors", mirrors)
	}

	var mu sync.Mutex
	var summaries []*Summary
	var failures []error

	group, ctx := errgroup.WithContext(ctx)
	for _, mirrorID := range mirrors {
		mirrorID := mirrorID
		group.Go(func() error {
			syncer, err := NewSyncer(config, mirrorID, opts)
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			defer func() {
				if err := syncer.Close(); err != nil {
					slog.Warn("failed to close ledger", "repo", mirrorID, "error", err)
				}
			}()

			summary, err := syncer.Sync(ctx)
			mu.Lock()
			summaries = append(summaries, summary)
			if err != nil {
				failures = append(failures, err)
			}
			mu.Unlock()

			// A pass-fatal storage error poisons the disk for every
			// mirror; stop the others at their next suspension point.
			if IsStorage(err) {
				return err
			}
			return nil
		})
	}
	// Worker errors are already collected under mu; Wait only blocks.
	_ = group.Wait()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].MirrorID < summaries[j].MirrorID
	})

	if len(failures) > 0 {
		return summaries, errors.Join(failures...)
	}

	slog.Info("sync ends", "mirrors", len(summaries))
	return summaries, nil
}
