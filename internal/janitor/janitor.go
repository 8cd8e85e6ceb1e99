// Package janitor deletes stale working files from the shared data directory.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// Janitor removes regular files older than the retention from a fixed set of directories.
// Subdirectories are never descended into.
type Janitor struct {
	dirs      []string
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
	group     singleflight.Group
}

func New(dirs []string, retention time.Duration, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{dirs: dirs, retention: retention, now: time.Now, log: log}
}

// Sweep runs one cleanup pass and returns how many files were removed. Missing
// directories are skipped; per-file failures are collected and the pass continues.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	removed := 0
	var errs []error

	for _, dir := range j.dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", dir, err))
			continue
		}

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				// Already gone.
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Schedule registers the sweep on c. A run that fires while the previous one is still
// going joins it instead of starting a second pass.
func (j *Janitor) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		_, _, _ = j.group.Do("sweep", func() (any, error) {
			n, err := j.Sweep(ctx)
			if err != nil {
				j.log.Error("janitor sweep failed", "removed", n, "error", err)
				return nil, err
			}
			if n > 0 {
				j.log.Info("janitor sweep", "removed", n, "retention", j.retention.String())
			}
			return nil, nil
		})
	})
}
