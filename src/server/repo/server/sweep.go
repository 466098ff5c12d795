package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
)

// SweepTmp removes uploads and one-shot downloads in dir last modified
// before cutoff.  Files are abandoned when a client never commits a
// prepared changeset or never fetches what it asked for.
func SweepTmp(ctx context.Context, dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.EnsureStack(err)
	}
	var n int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, UploadSuffix) || strings.HasSuffix(name, DownloadSuffix) || strings.HasSuffix(name, ContentsSuffix)) {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			log.Info(ctx, "could not remove stale transfer", zap.String("name", name), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// SweepLoop runs SweepTmp on the cron schedule spec, removing files older
// than maxAge, until ctx is done.
func SweepLoop(ctx context.Context, spec, dir string, maxAge time.Duration) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return errors.Wrapf(err, "parse sweep schedule %q", spec)
	}
	for {
		now := time.Now()
		t := time.NewTimer(schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case now = <-t.C:
		}
		n, err := SweepTmp(ctx, dir, now.Add(-maxAge))
		if err != nil {
			log.Error(ctx, "sweeping temporary directory failed", zap.Error(err))
			continue
		}
		if n > 0 {
			log.Info(ctx, "removed stale transfers", zap.Int("count", n))
		}
	}
}
