// Package scheduler runs refresh, backfill, reconciliation and override
// cycles against the cache under a single-flight guard.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robertlestak/contract-txcache/internal/aggregate"
	"github.com/robertlestak/contract-txcache/internal/cache"
	"github.com/robertlestak/contract-txcache/internal/schema"
	"github.com/robertlestak/contract-txcache/internal/upstream"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrAlreadyRunning is returned to a trigger that arrives while another cycle
// holds the slot. It is not an error state of the cache.
var ErrAlreadyRunning = errors.New("a cycle is already running")

const (
	kindRefresh   = "refresh"
	kindBackfill  = "backfill"
	kindReconcile = "reconcile"
	kindOverride  = "override"
)

// Options wires a Scheduler.
type Options struct {
	Address string
	Source  upstream.Source
	Store   cache.Store
	Engine  *aggregate.Engine

	// MaxPages caps live scans; BackfillMaxPages caps backfill scans (0 is unlimited).
	MaxPages         int
	BackfillMaxPages int
	// InitialLookback bounds the first scan when no cursor exists yet.
	InitialLookback time.Duration

	AutoUpdate        bool
	RefreshInterval   time.Duration
	ReconcileInterval time.Duration
	CycleTimeout      time.Duration
	BackfillTimeout   time.Duration

	Now func() time.Time
}

// Status is the operator-facing summary of recent cycles.
type Status struct {
	Running        bool      `json:"running"`
	CurrentCycle   string    `json:"currentCycle,omitempty"`
	LastCycle      string    `json:"lastCycle,omitempty"`
	LastCycleID    string    `json:"lastCycleId,omitempty"`
	LastSuccess    time.Time `json:"lastSuccess"`
	LastError      string    `json:"lastError,omitempty"`
	LastErrorAt    time.Time `json:"lastErrorAt"`
	IntegrityError string    `json:"integrityError,omitempty"`
}

// Scheduler owns the published snapshot. Exactly one cycle builds a new
// snapshot at a time; readers load the last saved one without blocking.
type Scheduler struct {
	opts    Options
	slot    *semaphore.Weighted
	current atomic.Pointer[schema.Snapshot]
	cron    *cron.Cron

	mu     sync.Mutex
	status Status
	wg     sync.WaitGroup
}

// New returns a Scheduler. Call Init before use.
func New(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 4 * time.Minute
	}
	if opts.BackfillTimeout <= 0 {
		opts.BackfillTimeout = 30 * time.Minute
	}
	s := &Scheduler{
		opts: opts,
		slot: semaphore.NewWeighted(1),
	}
	s.current.Store(schema.NewSnapshot())
	return s
}

// Init loads the last durable snapshot or starts from an empty one. An
// integrity mismatch is surfaced in Status and the store is treated as empty.
func (s *Scheduler) Init(ctx context.Context) error {
	l := log.WithFields(log.Fields{
		"package": "scheduler",
		"func":    "Init",
	})
	snap, err := s.opts.Store.Load(ctx)
	if errors.Is(err, cache.ErrIntegrityMismatch) {
		l.Errorf("stored snapshot rejected, starting empty: %v", err)
		s.mu.Lock()
		s.status.IntegrityError = err.Error()
		s.mu.Unlock()
	} else if err != nil {
		l.Error(err)
		return err
	}
	if snap == nil {
		snap = schema.NewSnapshot()
	}
	s.current.Store(snap)
	l.Infof("loaded snapshot days=%d cursor=%d", len(snap.DailyTotals), snap.Cursor.LastBlockNumber)
	return nil
}

// Snapshot returns the last saved snapshot. Callers must not mutate it.
func (s *Scheduler) Snapshot() *schema.Snapshot {
	return s.current.Load()
}

// Status returns a copy of the cycle summary.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TriggerRefresh runs a live refresh and waits for it.
func (s *Scheduler) TriggerRefresh(ctx context.Context) error {
	return s.runExclusive(ctx, kindRefresh, s.opts.CycleTimeout, s.refresh)
}

// StartRefresh claims the slot and runs a live refresh in the background. It
// returns ErrAlreadyRunning without starting anything if the slot is taken.
func (s *Scheduler) StartRefresh() error {
	return s.startExclusive(kindRefresh, s.opts.CycleTimeout, s.refresh)
}

// TriggerBackfill rescans the inclusive day range r, bypassing the cursor.
func (s *Scheduler) TriggerBackfill(ctx context.Context, r aggregate.Range) error {
	if _, err := r.Days(); err != nil {
		return err
	}
	return s.runExclusive(ctx, kindBackfill, s.opts.BackfillTimeout, func(ctx context.Context, l *log.Entry) error {
		return s.backfill(ctx, l, r)
	})
}

// StartBackfill is the background form of TriggerBackfill.
func (s *Scheduler) StartBackfill(r aggregate.Range) error {
	if _, err := r.Days(); err != nil {
		return err
	}
	return s.startExclusive(kindBackfill, s.opts.BackfillTimeout, func(ctx context.Context, l *log.Entry) error {
		return s.backfill(ctx, l, r)
	})
}

// Reconcile fetches the authoritative total and stores it beside the
// observed sum.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	return s.runExclusive(ctx, kindReconcile, s.opts.CycleTimeout, s.reconcile)
}

// Override sets an operator-asserted total for day.
func (s *Scheduler) Override(ctx context.Context, day string, total int64) error {
	return s.runExclusive(ctx, kindOverride, s.opts.CycleTimeout, func(ctx context.Context, l *log.Entry) error {
		next, err := s.opts.Engine.Override(s.current.Load(), day, total)
		if err != nil {
			return err
		}
		l.Warnf("manual override day=%s total=%d", day, total)
		return s.commit(ctx, next)
	})
}

type cycleFunc func(ctx context.Context, l *log.Entry) error

func (s *Scheduler) runExclusive(ctx context.Context, kind string, timeout time.Duration, fn cycleFunc) error {
	if !s.slot.TryAcquire(1) {
		log.WithFields(log.Fields{"package": "scheduler", "cycle": kind}).Info("coalesced: a cycle is already running")
		return ErrAlreadyRunning
	}
	defer s.slot.Release(1)
	return s.cycle(ctx, kind, timeout, fn)
}

func (s *Scheduler) startExclusive(kind string, timeout time.Duration, fn cycleFunc) error {
	if !s.slot.TryAcquire(1) {
		log.WithFields(log.Fields{"package": "scheduler", "cycle": kind}).Info("coalesced: a cycle is already running")
		return ErrAlreadyRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.slot.Release(1)
		_ = s.cycle(context.Background(), kind, timeout, fn)
	}()
	return nil
}

// cycle runs fn with the slot held and records the outcome.
func (s *Scheduler) cycle(ctx context.Context, kind string, timeout time.Duration, fn cycleFunc) error {
	id := uuid.NewString()
	l := log.WithFields(log.Fields{
		"package": "scheduler",
		"cycle":   kind,
		"id":      id,
	})
	s.mu.Lock()
	s.status.Running = true
	s.status.CurrentCycle = kind
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	l.Info("start")
	err := fn(cctx, l)

	s.mu.Lock()
	s.status.Running = false
	s.status.CurrentCycle = ""
	s.status.LastCycle = kind
	s.status.LastCycleID = id
	if err != nil {
		s.status.LastError = err.Error()
		s.status.LastErrorAt = s.opts.Now().UTC()
	} else {
		s.status.LastSuccess = s.opts.Now().UTC()
		s.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		l.WithField("elapsed", time.Since(start)).Errorf("failed, snapshot unchanged: %v", err)
		return err
	}
	l.WithField("elapsed", time.Since(start)).Info("done")
	return nil
}

// commit persists next and publishes it. Nothing is published if the save
// fails.
func (s *Scheduler) commit(ctx context.Context, next *schema.Snapshot) error {
	if err := s.opts.Store.Save(ctx, next); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.current.Store(next)
	return nil
}

// Start schedules refresh and reconciliation ticks. Nothing is scheduled
// unless AutoUpdate is set.
func (s *Scheduler) Start() error {
	l := log.WithFields(log.Fields{
		"package": "scheduler",
		"func":    "Start",
	})
	if !s.opts.AutoUpdate {
		l.Info("auto update disabled, serving on-demand refresh only")
		return nil
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.StandardLogger()))))
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.RefreshInterval), s.tick(kindRefresh, s.TriggerRefresh)); err != nil {
		return err
	}
	if s.opts.ReconcileInterval > 0 {
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.ReconcileInterval), s.tick(kindReconcile, s.Reconcile)); err != nil {
			return err
		}
	}
	s.cron.Start()
	l.Infof("cron started refresh=%s reconcile=%s", s.opts.RefreshInterval, s.opts.ReconcileInterval)
	return nil
}

func (s *Scheduler) tick(kind string, fn func(context.Context) error) func() {
	return func() {
		err := fn(context.Background())
		if err != nil && !errors.Is(err, ErrAlreadyRunning) {
			log.WithFields(log.Fields{"package": "scheduler", "cycle": kind}).Warnf("tick failed, next tick retries: %v", err)
		}
	}
}

// Stop halts the cron and waits for running background cycles.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}
