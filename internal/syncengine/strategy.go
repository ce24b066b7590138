package syncengine

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Strategy adds scheduling on top of the handler's own dispatch.
// RealTime adds nothing (the default, driven entirely by Enqueue);
// Periodic additionally enqueues a FullSync sweep on a fixed tick.
// Neither holds requests back: under both, every enqueued request is
// dispatched as soon as a worker is free.
type Strategy interface {
	Start(h *Handler) error
	Stop()
}

// RealTimeStrategy is a no-op: the handler already dispatches every
// enqueued request as soon as a worker is free.
type RealTimeStrategy struct{}

func (RealTimeStrategy) Start(*Handler) error { return nil }
func (RealTimeStrategy) Stop()                {}

// PeriodicStrategy drives a FullSync sweep across every tracked key on
// a cron schedule, using robfig/cron's @every mechanism rather than a
// bare time.Ticker so reconfiguring the interval is a single
// AddFunc/Remove pair instead of tearing down a ticker goroutine.
type PeriodicStrategy struct {
	interval string // cron spec, e.g. "@every 5m"
	logger   *zap.Logger

	cron    *cron.Cron
	entryID cron.EntryID
}

func NewPeriodicStrategy(interval string, logger *zap.Logger) *PeriodicStrategy {
	return &PeriodicStrategy{interval: interval, logger: logger}
}

func (s *PeriodicStrategy) Start(h *Handler) error {
	s.cron = cron.New()
	id, err := s.cron.AddFunc(s.interval, func() {
		h.mu.Lock()
		keys := make([]string, 0, len(h.queues))
		for k := range h.queues {
			keys = append(keys, k)
		}
		h.mu.Unlock()

		s.logger.Debug("periodic sync tick", zap.Int("tracked_keys", len(keys)))
		for _, k := range keys {
			thing, shadowName := splitKey(k)
			_ = h.Enqueue(NewRequest(FullSync, thing, shadowName, nil))
		}
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

func (s *PeriodicStrategy) Stop() {
	if s.cron != nil {
		s.cron.Remove(s.entryID)
		s.cron.Stop()
	}
}
