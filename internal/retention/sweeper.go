package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "@daily"
	DefaultMaxAge   = 7 * 24 * time.Hour
)

type Config struct {
	Dirs     []string
	MaxAge   time.Duration
	Schedule string
	Logger   *log.Logger
	// OnSweep, when set, receives every sweep report.
	OnSweep func(Report)
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Removed int
	Failed  int
}

// Sweeper periodically deletes stored files older than MaxAge. It works on
// the filesystem only and never touches job records.
type Sweeper struct {
	dirs     []string
	maxAge   time.Duration
	schedule string
	logger   *log.Logger
	onSweep  func(Report)

	remove func(path string) error
	now    func() time.Time
}

func NewSweeper(cfg Config) *Sweeper {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Sweeper{
		dirs:     cfg.Dirs,
		maxAge:   cfg.MaxAge,
		schedule: cfg.Schedule,
		logger:   cfg.Logger,
		onSweep:  cfg.OnSweep,
		remove:   os.Remove,
		now:      time.Now,
	}
}

// Start schedules sweeps until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(s.schedule, func() {
		s.Sweep(s.now())
	})
	if err != nil {
		return fmt.Errorf("schedule retention %q: %w", s.schedule, err)
	}

	scheduler.Start()
	if s.logger != nil {
		s.logger.Printf("retention sweeper scheduled schedule=%q max_age=%s dirs=%d", s.schedule, s.maxAge, len(s.dirs))
	}

	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
	}()
	return nil
}

// Sweep removes files under each managed directory whose modification time
// is older than now minus MaxAge. Every file is judged by its own age, so a
// fresh upload inside an old folder survives. Subdirectories are pruned once
// they hold nothing. A failure on one entry is logged and the sweep moves on.
func (s *Sweeper) Sweep(now time.Time) Report {
	cutoff := now.Add(-s.maxAge)
	report := Report{}

	for _, dir := range s.dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		s.sweepDir(dir, cutoff, &report)
	}

	if s.logger != nil {
		s.logger.Printf("retention sweep finished scanned=%d removed=%d failed=%d", report.Scanned, report.Removed, report.Failed)
	}
	if s.onSweep != nil {
		s.onSweep(report)
	}
	return report
}

func (s *Sweeper) sweepDir(root string, cutoff time.Time, report *Report) {
	var subdirs []string
	emptied := make(map[string]bool)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.logf("retention scan failed path=%s err=%v", path, err)
			return nil
		}
		if entry.IsDir() {
			if path != root {
				subdirs = append(subdirs, path)
			}
			return nil
		}

		report.Scanned++
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := s.remove(path); err != nil {
			report.Failed++
			s.logf("retention remove failed path=%s err=%v", path, err)
			return nil
		}
		report.Removed++
		emptied[filepath.Dir(path)] = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logf("retention scan failed dir=%s err=%v", root, err)
		}
		return
	}

	// WalkDir visits parents first, so walking backwards prunes leaves first.
	for i := len(subdirs) - 1; i >= 0; i-- {
		s.pruneDir(subdirs[i], cutoff, emptied)
	}
}

// pruneDir removes an empty directory that is either aged or was emptied by
// the current sweep. Freshly created folders are left for in-flight uploads.
func (s *Sweeper) pruneDir(dir string, cutoff time.Time, emptied map[string]bool) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if !emptied[dir] {
		info, err := os.Stat(dir)
		if err != nil || !info.ModTime().Before(cutoff) {
			return
		}
	}
	if err := os.Remove(dir); err != nil {
		s.logf("retention prune failed dir=%s err=%v", dir, err)
		return
	}
	emptied[filepath.Dir(dir)] = true
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
