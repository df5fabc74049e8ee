package hubcache

import (
	"context"

	"github.com/jmgilman/go/errors"
	"github.com/robfig/cron/v3"
)

// startSchedules registers the periodic queue drain and partition sweep.
// A schedule set to "off" is skipped.
func (s *Service) startSchedules() error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s})))

	if expr := s.cfg.Queue.DrainSchedule; expr != "off" {
		if _, err := c.AddFunc(expr, s.drainTick); err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "queue.drainSchedule")
		}
	}
	if expr := s.cfg.Cache.SweepSchedule; expr != "off" {
		if _, err := c.AddFunc(expr, s.sweep); err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "cache.sweepSchedule")
		}
	}

	s.cron = c
	c.Start()
	return nil
}

// drainTick stands in for the connectivity-restored signal: it retries a
// failed first install, then replays the queue.
func (s *Service) drainTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Network.refreshTimeoutDur)
	defer cancel()

	if s.lc.Serving() == nil {
		if err := s.lc.Boot(ctx); err != nil {
			s.log.Debug("install retry failed", "err", err)
		}
	}

	n, err := s.queue.Len()
	if err != nil || n == 0 {
		return
	}
	if _, err := s.queue.Drain(ctx); err != nil {
		s.log.Warn("scheduled drain failed", "err", err)
	}
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct{ s *Service }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
