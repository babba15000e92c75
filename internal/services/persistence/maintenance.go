package persistence

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultRetentionSchedule re-applies the cap once a minute.
const DefaultRetentionSchedule = "@every 1m"

// ScheduleRetention registers a ClearExcess job on c. The caller starts and
// stops the cron.
func ScheduleRetention(c *cron.Cron, spec string, l *BoundedLog, logger *zap.Logger) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultRetentionSchedule
	}
	id, err := c.AddFunc(spec, func() {
		if err := l.ClearExcess(); err != nil {
			logger.Error("retention job failed", zap.String("path", l.Path()), zap.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	logger.Info("retention scheduled", zap.String("schedule", spec), zap.Int("max_rows", l.Cap()))
	return id, nil
}
