package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"subscription-commerce/internal/infra/metrics"
	"subscription-commerce/internal/infra/redis"
	"subscription-commerce/internal/usecase"
)

// ErrTickInProgress is returned by RunOnce when another tick is still executing.
var ErrTickInProgress = errors.New("billing tick already in progress")

// Ticker is the part of the billing use case the scheduler drives.
type Ticker interface {
	RunTick(ctx context.Context, now time.Time) (*usecase.TickResult, error)
}

type Options struct {
	Interval time.Duration
	// TickTimeout bounds a single tick. Defaults to the interval.
	TickTimeout time.Duration
	// Locker, when set, keeps ticks of several instances from overlapping.
	Locker  redis.Locker
	LockKey string
	LockTTL time.Duration
}

// Scheduler runs the billing tick on a fixed interval. A timer firing while a
// tick is still executing is dropped, not queued.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	ticker   Ticker
	locker   redis.Locker
	lockKey  string
	lockTTL  time.Duration
	log      *zerolog.Logger
	now      func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ticks  sync.WaitGroup
}

func New(t Ticker, opts Options, logger *zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = opts.Interval
	}
	if opts.LockKey == "" {
		opts.LockKey = "lock:billing-tick"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.TickTimeout
	}
	l := logger.With().Str("component", "BillingScheduler").Logger()
	return &Scheduler{
		interval: opts.Interval,
		timeout:  opts.TickTimeout,
		ticker:   t,
		locker:   opts.Locker,
		lockKey:  opts.LockKey,
		lockTTL:  opts.LockTTL,
		log:      &l,
		now:      time.Now,
	}
}

// Start begins the loop in a background goroutine. Calling it on a started
// scheduler has no effect.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	s.done = make(chan struct{})
	go s.loop(s.ctx, s.done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	t := time.NewTicker(s.interval)
	defer func() {
		t.Stop()
		close(done)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("billing scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("billing scheduler stopping")
			return
		case <-t.C:
			// Each firing gets its own goroutine so a slow tick shows up as
			// skipped firings instead of a drifting timer.
			s.ticks.Add(1)
			go func() {
				defer s.ticks.Done()
				_, err := s.RunOnce(ctx)
				if errors.Is(err, ErrTickInProgress) {
					s.log.Debug().Msg("previous tick still running; skipped")
				}
			}()
		}
	}
}

// Stop cancels the loop and waits for it and for any tick it started. The
// tick's context is canceled, so an unfinished transaction rolls back, but a
// tick that already committed gets to publish its events and release the lock.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.ticks.Wait()
	s.log.Info().Msg("billing scheduler stopped")
}

// RunOnce executes one tick synchronously. Tick failures are logged and
// returned; the loop ignores them and tries again on the next firing.
func (s *Scheduler) RunOnce(ctx context.Context) (*usecase.TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.IncTickSkipped()
		return nil, ErrTickInProgress
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.locker != nil {
		token, err := s.locker.TryLock(ctx, s.lockKey, s.lockTTL)
		switch {
		case errors.Is(err, redis.ErrLockHeld):
			metrics.IncTickSkipped()
			s.log.Debug().Msg("another instance holds the billing lock")
			return nil, ErrTickInProgress
		case err != nil:
			// ListDue skips locked rows, so running unlocked is still safe.
			s.log.Warn().Err(err).Msg("billing lock unavailable; ticking without it")
		default:
			defer func() {
				if err := s.locker.Unlock(context.WithoutCancel(ctx), s.lockKey, token); err != nil {
					s.log.Warn().Err(err).Msg("release billing lock")
				}
			}()
		}
	}

	start := time.Now()
	res, err := s.ticker.RunTick(ctx, s.now().UTC())
	elapsed := time.Since(start)
	metrics.ObserveTick(err == nil, elapsed)
	if err != nil {
		s.log.Error().Err(err).Dur("duration", elapsed).Msg("billing tick failed")
		return nil, err
	}

	metrics.AddInvoicesOverdue(res.Overdue)
	metrics.AddInvoicesGenerated(len(res.Generated))
	metrics.AddInvoiceDuplicates(res.Duplicates)

	ev := s.log.Debug()
	if res.Overdue > 0 || len(res.Generated) > 0 {
		ev = s.log.Info()
	}
	ev.Int64("overdue", res.Overdue).
		Int("scanned", res.ServicesScanned).
		Int("generated", len(res.Generated)).
		Int("duplicates", res.Duplicates).
		Dur("duration", elapsed).
		Msg("billing tick done")
	return res, nil
}
