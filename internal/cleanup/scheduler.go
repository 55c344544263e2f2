// Package cleanup implements the CleanupScheduler: periodic TTL sweeps,
// stale-upload collection, and emergency eviction under memory pressure.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vaporroom/vaporroom/internal/clock"
	"github.com/vaporroom/vaporroom/internal/config"
	"github.com/vaporroom/vaporroom/internal/logging"
	"github.com/vaporroom/vaporroom/internal/metrics"
	"github.com/vaporroom/vaporroom/internal/upload"
)

// SessionStore is the subset of MemoryStore the scheduler needs; kept as
// an interface so tests can substitute a fake without spinning up a real
// store.
type SessionStore interface {
	ExpiredSessionIDs(now time.Time) []string
	OldestSessionIDs(n int) []string
	DeleteSession(sessionID string) bool
	TotalBytes() int64
}

// RoomNotifier is the dispatcher's eviction-notification surface. A
// session is announced before it is deleted so members observe the event
// while the room still exists.
type RoomNotifier interface {
	BroadcastSessionExpired(sessionID, reason string)
}

// Scheduler runs the periodic tick loop described in spec.md §4.5.
type Scheduler struct {
	store     SessionStore
	assembler *upload.Assembler
	notifier  RoomNotifier
	cfg       *config.Config
	clock     clock.Clock
	logger    logging.Logger
	metrics   *metrics.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(
	store SessionStore,
	assembler *upload.Assembler,
	notifier RoomNotifier,
	cfg *config.Config,
	clk clock.Clock,
	logger logging.Logger,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		store:     store,
		assembler: assembler,
		notifier:  notifier,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		metrics:   m,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run blocks, ticking every cfg.CleanupInterval, until ctx is canceled or
// Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := s.clock.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.Tick()
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Tick runs one full cleanup pass. Exported so tests and a manual
// admin trigger can invoke it deterministically without waiting on the
// ticker.
func (s *Scheduler) Tick() {
	now := s.clock.Now()

	for _, id := range s.store.ExpiredSessionIDs(now) {
		s.evict(id, "expired")
		if s.metrics != nil {
			s.metrics.SessionsExpired.Inc()
		}
	}

	swept := s.assembler.Sweep(now)
	if len(swept) > 0 {
		s.logger.Info(context.Background(), "swept stale uploads", "count", len(swept))
		if s.metrics != nil {
			for range swept {
				s.metrics.UploadsSwept.Inc()
			}
		}
	}

	s.checkPressure()
}

func (s *Scheduler) evict(sessionID, reason string) {
	if s.notifier != nil {
		s.notifier.BroadcastSessionExpired(sessionID, reason)
	}
	s.store.DeleteSession(sessionID)
}

// checkPressure implements the warning/critical thresholds against
// MAX_TOTAL_BYTES.
func (s *Scheduler) checkPressure() {
	total := s.cfg.MaxTotalBytes
	if total <= 0 {
		return
	}
	usage := float64(s.store.TotalBytes()) / float64(total)

	if usage >= s.cfg.CriticalThreshold {
		oldest := s.store.OldestSessionIDs(s.cfg.EmergencyEvictionN)
		s.logger.Warn(context.Background(), "memory pressure critical, evicting oldest sessions",
			"usage", usage, "count", len(oldest))
		for _, id := range oldest {
			s.evict(id, "emergency-eviction")
			if s.metrics != nil {
				s.metrics.SessionsEvicted.Inc()
			}
		}
		return
	}

	if usage >= s.cfg.WarningThreshold {
		s.logger.Warn(context.Background(), "memory pressure warning",
			"usage", usage, "totalBytes", humanize.Bytes(uint64(s.store.TotalBytes())),
			"maxBytes", humanize.Bytes(uint64(total)))
	}
}
