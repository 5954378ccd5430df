package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"chat-engine/internal/core/ports"
)

const purgeBatch = 1000

// WatchdogConfig controls the auto-purge loop
type WatchdogConfig struct {
	Interval      time.Duration
	Path          string
	DiskThreshold float64 // percent used that triggers a purge
	Retention     time.Duration
}

// Watchdog purges old terminal rows when the disk fills up.
// Inbound events are never purged; they back webhook idempotency.
type Watchdog struct {
	repo ports.RetentionRepository
	cfg  WatchdogConfig

	usage func(path string) (float64, error)
	now   func() time.Time
}

// NewWatchdog creates a watchdog reading real disk usage
func NewWatchdog(repo ports.RetentionRepository, cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.DiskThreshold <= 0 {
		cfg.DiskThreshold = 70
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Watchdog{
		repo:  repo,
		cfg:   cfg,
		usage: diskUsedPercent,
		now:   time.Now,
	}
}

// Run checks on every tick until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	slog.Info("[WATCHDOG] Service started", "interval", w.cfg.Interval, "path", w.cfg.Path)

	for {
		select {
		case <-ctx.Done():
			slog.Info("[WATCHDOG] Service stopped")
			return
		case <-ticker.C:
			w.CheckOnce(ctx)
		}
	}
}

// CheckOnce purges one batch per table if disk usage is above the threshold.
// Returns the number of rows removed.
func (w *Watchdog) CheckOnce(ctx context.Context) int64 {
	used, err := w.usage(w.cfg.Path)
	if err != nil {
		slog.Error("[WATCHDOG] Disk usage check failed", "error", err)
		return 0
	}
	if used < w.cfg.DiskThreshold {
		slog.Debug("[WATCHDOG] Disk usage OK, no purge needed", "used_percent", used)
		return 0
	}

	slog.Warn("[WATCHDOG] Disk usage above threshold, initiating purge",
		"used_percent", used,
		"threshold", w.cfg.DiskThreshold,
	)
	cutoff := w.now().Add(-w.cfg.Retention)

	var total int64
	n, err := w.repo.PurgeTerminalMessages(ctx, cutoff, purgeBatch)
	if err != nil {
		slog.Error("[WATCHDOG] Error during message purge", "error", err)
	} else {
		total += n
		slog.Info("[WATCHDOG] Purged old queued messages", "rows", n)
	}

	n, err = w.repo.PurgeWebhookLogs(ctx, cutoff, purgeBatch)
	if err != nil {
		slog.Error("[WATCHDOG] Error during webhook log purge", "error", err)
	} else {
		total += n
		slog.Info("[WATCHDOG] Purged old webhook logs", "rows", n)
	}
	return total
}

func diskUsedPercent(path string) (float64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}
