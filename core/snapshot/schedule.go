package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// StartCleanupSchedule runs Cleanup on the configured cron schedule
// until ctx is cancelled. A tick that fires while the previous cleanup
// is still running is skipped, so runs never overlap.
func (m *Manager) StartCleanupSchedule(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	_, err := c.AddFunc(m.cfg.CleanupSchedule, func() {
		if _, err := m.Cleanup(ctx); err != nil {
			m.log.Error("scheduled cleanup failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", m.cfg.CleanupSchedule, err)
	}

	c.Start()
	context.AfterFunc(ctx, func() {
		<-c.Stop().Done()
	})

	m.log.Info("cleanup scheduled", slog.String("schedule", m.cfg.CleanupSchedule))
	return nil
}
