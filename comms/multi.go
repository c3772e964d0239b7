package comms

import (
	"context"
	"errors"
	"log/slog"
)

// MultiLog appends every event to each of its logs. A failing sink is
// logged and does not stop delivery to the others.
type MultiLog struct {
	logs   []Log
	logger *slog.Logger
}

// NewMultiLog fans out to logs. A nil logger uses slog.Default.
func NewMultiLog(logger *slog.Logger, logs ...Log) *MultiLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiLog{logs: logs, logger: logger}
}

// Append delivers ev to every sink and joins their errors.
func (m *MultiLog) Append(ctx context.Context, ev *Event) error {
	var errs []error
	for _, l := range m.logs {
		if err := l.Append(ctx, ev); err != nil {
			m.logger.Warn("event sink failed", "type", ev.Type, "task", ev.TaskCode, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
