package calls

import (
	"context"
	"time"
)

const (
	reapBatch      = 100
	handlerTimeout = 10 * time.Second
)

// armTimer schedules the local ring timeout. The Redis deadline written with
// the session is what actually decides; the timer is the fast path on the
// node that created the call.
func (s *Service) armTimer(callID string, d time.Duration) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[callID]; ok {
		old.Stop()
	}
	s.timers[callID] = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		s.handleRingTimeout(ctx, callID)
	})
}

func (s *Service) cancelTimer(callID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
}

// PendingTimers reports how many local ring timers are armed.
func (s *Service) PendingTimers() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.timers)
}

// Stop cancels every local timer. Calls still ringing are left to the
// reaper of whichever node keeps running.
func (s *Service) Stop() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// ReapExpired times out every call whose ring deadline has passed, then ends
// every active call whose active deadline has passed. It returns how many due
// entries it processed. Safe to run on every node.
func (s *Service) ReapExpired(ctx context.Context) (int, error) {
	rung, err := s.reap(ctx, s.sessions.DueDeadlines, s.handleRingTimeout)
	if err != nil {
		return rung, err
	}
	active, err := s.reap(ctx, s.sessions.DueActive, s.handleActiveExpiry)
	return rung + active, err
}

type dueFunc func(ctx context.Context, now time.Time, limit int64) ([]string, error)

func (s *Service) reap(ctx context.Context, due dueFunc, handle func(context.Context, string)) (int, error) {
	total := 0
	for {
		ids, err := due(ctx, s.clock(), reapBatch)
		if err != nil {
			return total, err
		}
		for _, callID := range ids {
			handle(ctx, callID)
		}
		total += len(ids)
		if len(ids) < reapBatch {
			return total, nil
		}
	}
}

// RunReaper calls ReapExpired every interval until ctx is done. Failures are
// logged and retried on the next tick.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.ReapExpired(ctx)
			if err != nil {
				s.log.Warn("call deadline reap failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("call deadlines reaped", "count", n)
			}
		}
	}
}
