// Package reaper removes expired pack directories. A pack's age is the
// modification time of its manifest, so half-written packs without one are
// never touched.
package reaper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultInterval is how often the reaper scans the packs root.
const DefaultInterval = 1 * time.Hour

// Reaper deletes packs older than their TTL.
type Reaper struct {
	packsRoot string
	ttl       time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// New creates a reaper. ttl 0 disables reaping.
func New(packsRoot string, ttl time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		packsRoot: packsRoot,
		ttl:       ttl,
		interval:  DefaultInterval,
		logger:    logger,
	}
}

// Run scans on an interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r.ttl <= 0 {
		r.logger.Info("pack reaper disabled")
		return
	}

	r.logger.Info("pack reaper started", "packs_root", r.packsRoot, "ttl", r.ttl)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep removes every pack whose manifest is older than the TTL at the
// given reference time. Returns the number of packs removed.
func (r *Reaper) Sweep(now time.Time) int {
	manifests, err := doublestar.FilepathGlob(filepath.Join(r.packsRoot, "*", "manifest.json"))
	if err != nil {
		r.logger.Error("pack scan failed", "packs_root", r.packsRoot, "error", err)
		return 0
	}

	removed := 0
	for _, manifest := range manifests {
		info, err := os.Stat(manifest)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= r.ttl {
			continue
		}

		dir := filepath.Dir(manifest)
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Error("failed to remove expired pack", "dir", dir, "error", err)
			continue
		}
		removed++
		r.logger.Info("expired pack removed", "pack_id", filepath.Base(dir),
			"age", now.Sub(info.ModTime()).Round(time.Minute))
	}
	return removed
}
