package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Trimmer re-applies the offline length bound across all users.
type Trimmer interface {
	TrimAll(ctx context.Context) (int, error)
}

// Maintenance periodically trims offline lists, independent of any message.
type Maintenance struct {
	trim  Trimmer
	every time.Duration
	hooks Hooks
	log   *zap.Logger
}

func NewMaintenance(trim Trimmer, every time.Duration, hooks Hooks, log *zap.Logger) *Maintenance {
	if every <= 0 {
		every = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Maintenance{trim: trim, every: every, hooks: hooks, log: log}
}

func (m *Maintenance) RunOnce(ctx context.Context) int {
	start := time.Now()
	n, err := m.trim.TrimAll(ctx)
	if m.hooks.OnTrim != nil && n > 0 {
		m.hooks.OnTrim(n)
	}
	if err != nil {
		m.log.Warn("offline trim incomplete", zap.Int("trimmed", n), zap.Error(err))
		return n
	}
	m.log.Info("offline trim done", zap.Int("trimmed", n), zap.Duration("took", time.Since(start)))
	return n
}

// Run blocks until ctx is done.
func (m *Maintenance) Run(ctx context.Context) {
	t := time.NewTicker(m.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.RunOnce(ctx)
		}
	}
}
