// Package scheduler decides which account runs when. A single goroutine owns
// all scheduling state; every other goroutine talks to it by sending closures
// on a command channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/clock"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/config"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/metrics"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	mirror "github.com/surfdude29/tweets-2-bsky-sub001/internal/sync"
)

var (
	// ErrUnknownAccount is returned for an account no mapping names.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrAccountDisabled is returned for a mapping that is switched off.
	ErrAccountDisabled = errors.New("account is disabled")
	// ErrAccountBusy is returned when the account already has a task in flight.
	ErrAccountBusy = errors.New("account already has a task running")
	// ErrBackfillNotFound is returned when there is no matching backfill to cancel.
	ErrBackfillNotFound = errors.New("no matching backfill")
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("scheduler stopped")
)

const (
	kindIncremental = "incremental"
	kindBackfill    = "backfill"
)

// Runner runs sync passes. *sync.Pipeline implements it.
type Runner interface {
	RunIncremental(ctx context.Context, t mirror.Target) (mirror.Stats, error)
	RunBackfill(ctx context.Context, t mirror.Target, limit int, cancelled func() bool) (mirror.Stats, error)
}

// Options tune the scheduler.
type Options struct {
	// Tick is how often the loop looks for due work.
	Tick            time.Duration
	TaskTimeout     time.Duration
	BackfillTimeout time.Duration
	// DefaultInterval applies until settings load for the first time.
	DefaultInterval time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Tick:            5 * time.Second,
		TaskTimeout:     10 * time.Minute,
		BackfillTimeout: 60 * time.Minute,
		DefaultInterval: 5 * time.Minute,
	}
}

// Status is a snapshot of the scheduler.
type Status struct {
	State            string                   `json:"state"`
	CurrentAccounts  []string                 `json:"current_accounts"`
	Tasks            []TaskStatus             `json:"tasks"`
	NextCheckTime    time.Time                `json:"next_check_time"`
	PendingBackfills []models.PendingBackfill `json:"pending_backfills"`
}

// TaskStatus describes one task in flight.
type TaskStatus struct {
	Account   string           `json:"account"`
	Kind      string           `json:"kind"`
	StartedAt time.Time        `json:"started_at"`
	Deadline  time.Time        `json:"deadline"`
	RequestID string           `json:"request_id,omitempty"`
	Progress  *mirror.Progress `json:"progress,omitempty"`
}

type task struct {
	account   string
	kind      string
	limit     int
	requestID string
	started   time.Time
	deadline  time.Time
	cancel    context.CancelCauseFunc
	cancelled atomic.Bool

	// Loop-owned.
	progress *mirror.Progress
}

// Scheduler runs incremental checks on an interval and queued backfills as
// soon as their account is idle, never more than one task per account.
type Scheduler struct {
	runner    Runner
	connector mirror.Connector
	provider  config.Provider
	clock     clock.Clock
	opts      Options

	cmds    chan func()
	stopped chan struct{}
	tasks   sync.WaitGroup

	// Everything below is owned by the loop goroutine.
	base      context.Context
	settings  *config.Settings
	loadErr   string
	lastCheck time.Time
	nextCheck time.Time
	queue     []models.PendingBackfill
	sequence  uint64
	running   map[string]*task
}

// New creates a Scheduler. Nothing runs until Run is called.
func New(runner Runner, connector mirror.Connector, provider config.Provider, clk clock.Clock, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.Tick <= 0 {
		opts.Tick = def.Tick
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = def.TaskTimeout
	}
	if opts.BackfillTimeout <= 0 {
		opts.BackfillTimeout = def.BackfillTimeout
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = def.DefaultInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		runner:    runner,
		connector: connector,
		provider:  provider,
		clock:     clk,
		opts:      opts,
		cmds:      make(chan func()),
		stopped:   make(chan struct{}),
		settings:  &config.Settings{CheckInterval: opts.DefaultInterval},
		running:   make(map[string]*task),
	}
}

// Run drives the scheduling loop until ctx is done. Tasks in flight are
// cancelled and waited for before Run returns. Run must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	s.base = ctx
	ticker := s.clock.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	logging.Info("Scheduler started, tick every %s", s.opts.Tick)
	s.tick()
	for {
		select {
		case <-ctx.Done():
			close(s.stopped)
			for _, t := range s.running {
				t.cancel(ctx.Err())
			}
			s.tasks.Wait()
			logging.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		case cmd := <-s.cmds:
			cmd()
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// send hands fn to the loop without waiting for it to run.
func (s *Scheduler) send(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.stopped:
	}
}

func (s *Scheduler) tick() {
	now := s.clock.Now()
	s.reload()
	// Abandoned accounts wait for the next tick so the old task can unwind.
	expired := s.expire(now)

	due := !now.Before(s.nextCheck)
	if due {
		s.lastCheck = now
		s.nextCheck = now.Add(s.settings.CheckInterval)
	}

	for _, pb := range slices.Clone(s.queue) {
		m, ok := s.settings.Mapping(pb.Account)
		if !ok {
			logging.Warn("Dropping backfill %s: account %s is no longer configured", pb.RequestID, pb.Account)
			s.dequeue(pb.Account, pb.RequestID)
			continue
		}
		if !m.IsEnabled() || s.running[pb.Account] != nil || expired[pb.Account] {
			continue
		}
		t, ctx := s.claim(s.base, pb.Account, kindBackfill, pb.Limit, pb.RequestID)
		s.launch(ctx, m, t)
	}

	if !due {
		return
	}
	for _, m := range s.settings.Accounts {
		if !m.IsEnabled() || s.running[m.Account()] != nil || expired[m.Account()] {
			continue
		}
		t, ctx := s.claim(s.base, m.Account(), kindIncremental, 0, "")
		s.launch(ctx, m, t)
	}
}

// reload re-reads the settings. A failed load keeps the previous settings.
func (s *Scheduler) reload() {
	if s.provider == nil {
		return
	}
	settings, err := s.provider.Load()
	if err != nil {
		if msg := err.Error(); msg != s.loadErr {
			logging.Error("Failed to reload account settings, keeping previous ones: %v", err)
			s.loadErr = msg
		}
		return
	}
	if s.loadErr != "" {
		logging.Info("Account settings loaded again")
		s.loadErr = ""
	}
	if settings.CheckInterval <= 0 {
		cp := *settings
		cp.CheckInterval = s.opts.DefaultInterval
		settings = &cp
	}
	if settings.CheckInterval != s.settings.CheckInterval && !s.lastCheck.IsZero() {
		s.nextCheck = s.lastCheck.Add(settings.CheckInterval)
	}
	s.settings = settings
}

// expire abandons tasks past their deadline and releases their accounts.
func (s *Scheduler) expire(now time.Time) map[string]bool {
	var expired map[string]bool
	for account, t := range s.running {
		if now.Before(t.deadline) {
			continue
		}
		logging.Warn("%s task for %s exceeded %s, abandoning it", t.kind, account, t.deadline.Sub(t.started))
		t.cancel(models.ErrTaskTimeout)
		delete(s.running, account)
		metrics.TasksInFlight.Dec()
		metrics.TaskOutcomesTotal.WithLabelValues(t.kind, "timeout").Inc()
		if expired == nil {
			expired = make(map[string]bool)
		}
		expired[account] = true
	}
	return expired
}

// claim marks account busy and returns the task with its context.
func (s *Scheduler) claim(parent context.Context, account, kind string, limit int, requestID string) (*task, context.Context) {
	now := s.clock.Now()
	timeout := s.opts.TaskTimeout
	if kind == kindBackfill {
		timeout = s.opts.BackfillTimeout
	}
	ctx, cancel := context.WithCancelCause(parent)
	t := &task{
		account:   account,
		kind:      kind,
		limit:     limit,
		requestID: requestID,
		started:   now,
		deadline:  now.Add(timeout),
		cancel:    cancel,
	}
	s.running[account] = t
	metrics.TasksInFlight.Inc()
	logging.Info("Starting %s task for %s", kind, account)
	return t, ctx
}

func (s *Scheduler) launch(ctx context.Context, m config.AccountMapping, t *task) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.runTask(ctx, m, t)
	}()
}

// runTask executes t on the calling goroutine and reports back to the loop.
func (s *Scheduler) runTask(ctx context.Context, m config.AccountMapping, t *task) (mirror.Stats, error) {
	stats, err := s.execute(ctx, m, t)
	if errors.Is(context.Cause(ctx), models.ErrTaskTimeout) {
		err = fmt.Errorf("%w: %w", models.ErrTaskTimeout, ctx.Err())
	}
	t.cancel(nil)
	s.send(func() { s.finish(t, stats, err) })
	return stats, err
}

func (s *Scheduler) execute(ctx context.Context, m config.AccountMapping, t *task) (stats mirror.Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("%s task for %s panicked: %v\n%s", t.kind, t.account, r, debug.Stack())
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	feed, dest, err := s.connector.Connect(ctx, m)
	if err != nil {
		return mirror.Stats{}, err
	}
	target := mirror.Target{
		Account:      t.account,
		SourceHandle: m.Source.Handle,
		Feed:         feed,
		Dest:         dest,
		OnProgress: func(p mirror.Progress) {
			s.send(func() { t.progress = &p })
		},
	}
	if t.kind == kindBackfill {
		return s.runner.RunBackfill(ctx, target, t.limit, t.cancelled.Load)
	}
	return s.runner.RunIncremental(ctx, target)
}

func (s *Scheduler) finish(t *task, stats mirror.Stats, err error) {
	elapsed := s.clock.Now().Sub(t.started)
	metrics.TaskDuration.WithLabelValues(t.kind).Observe(elapsed.Seconds())

	if errors.Is(err, models.ErrTaskTimeout) {
		// expire already released the account and kept any backfill entry.
		logging.Warn("Abandoned %s task for %s returned: %v", t.kind, t.account, err)
		return
	}
	if s.running[t.account] == t {
		delete(s.running, t.account)
		metrics.TasksInFlight.Dec()
	}

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		logging.Error("%s task for %s failed after %s: %v", t.kind, t.account, elapsed, err)
	case t.cancelled.Load():
		outcome = "cancelled"
		logging.Info("%s task for %s cancelled after %s: %s", t.kind, t.account, elapsed, stats)
	default:
		logging.Info("%s task for %s finished in %s: %s", t.kind, t.account, elapsed, stats)
	}
	metrics.TaskOutcomesTotal.WithLabelValues(t.kind, outcome).Inc()

	if t.kind == kindBackfill && t.requestID != "" {
		s.dequeue(t.account, t.requestID)
	}
}

// mapping looks up an enabled account.
func (s *Scheduler) mapping(account string) (config.AccountMapping, error) {
	m, ok := s.settings.Mapping(account)
	if !ok {
		return m, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	if !m.IsEnabled() {
		return m, fmt.Errorf("%w: %s", ErrAccountDisabled, account)
	}
	return m, nil
}

// QueueBackfill queues a historical import of up to limit items (0 = all).
// Queuing an account that is already queued replaces its limit and request
// ID and keeps its place in line.
func (s *Scheduler) QueueBackfill(ctx context.Context, account string, limit int) (string, error) {
	if limit < 0 {
		return "", fmt.Errorf("invalid backfill limit %d", limit)
	}
	var requestID string
	var err error
	if doErr := s.do(ctx, func() {
		if _, err = s.mapping(account); err != nil {
			return
		}
		requestID = uuid.NewString()
		for i := range s.queue {
			if s.queue[i].Account == account {
				s.queue[i].Limit = limit
				s.queue[i].RequestID = requestID
				logging.Info("Updated queued backfill for %s (limit %d, request %s)", account, limit, requestID)
				return
			}
		}
		s.sequence++
		s.queue = append(s.queue, models.PendingBackfill{
			Account:    account,
			Limit:      limit,
			Sequence:   s.sequence,
			RequestID:  requestID,
			EnqueuedAt: s.clock.Now(),
		})
		metrics.PendingBackfills.Set(float64(len(s.queue)))
		logging.Info("Queued backfill for %s (limit %d, request %s)", account, limit, requestID)
	}); doErr != nil {
		return "", doErr
	}
	return requestID, err
}

// CancelBackfill removes the account's queued backfill and stops it if it is
// running. An empty requestID matches any backfill of the account.
func (s *Scheduler) CancelBackfill(ctx context.Context, account, requestID string) error {
	var err error
	if doErr := s.do(ctx, func() {
		found := false
		for _, pb := range s.queue {
			if pb.Account == account && (requestID == "" || pb.RequestID == requestID) {
				s.dequeue(account, pb.RequestID)
				found = true
				break
			}
		}
		if t := s.running[account]; t != nil && t.kind == kindBackfill && (requestID == "" || t.requestID == requestID) {
			t.cancelled.Store(true)
			found = true
		}
		if !found {
			err = fmt.Errorf("%w for %s", ErrBackfillNotFound, account)
			return
		}
		logging.Info("Cancelled backfill for %s", account)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (s *Scheduler) dequeue(account, requestID string) {
	s.queue = slices.DeleteFunc(s.queue, func(pb models.PendingBackfill) bool {
		return pb.Account == account && pb.RequestID == requestID
	})
	metrics.PendingBackfills.Set(float64(len(s.queue)))
}

// RunIncrementalCheck runs one incremental pass for account now, on the
// calling goroutine. It fails with ErrAccountBusy if a task is in flight.
func (s *Scheduler) RunIncrementalCheck(ctx context.Context, account string) (mirror.Stats, error) {
	return s.runNow(ctx, account, kindIncremental, 0)
}

// RunBackfill runs a historical import for account now, on the calling
// goroutine. CancelBackfill with an empty request ID stops it.
func (s *Scheduler) RunBackfill(ctx context.Context, account string, limit int) (mirror.Stats, error) {
	if limit < 0 {
		return mirror.Stats{}, fmt.Errorf("invalid backfill limit %d", limit)
	}
	return s.runNow(ctx, account, kindBackfill, limit)
}

func (s *Scheduler) runNow(ctx context.Context, account, kind string, limit int) (mirror.Stats, error) {
	var (
		m       config.AccountMapping
		t       *task
		taskCtx context.Context
		err     error
	)
	if doErr := s.do(ctx, func() {
		if m, err = s.mapping(account); err != nil {
			return
		}
		if s.running[account] != nil {
			err = fmt.Errorf("%w: %s", ErrAccountBusy, account)
			return
		}
		t, taskCtx = s.claim(ctx, account, kind, limit, "")
	}); doErr != nil {
		return mirror.Stats{}, doErr
	}
	if err != nil {
		return mirror.Stats{}, err
	}
	return s.runTask(taskCtx, m, t)
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() {
		st.State = "idle"
		st.NextCheckTime = s.nextCheck
		st.PendingBackfills = slices.Clone(s.queue)
		for account, t := range s.running {
			st.CurrentAccounts = append(st.CurrentAccounts, account)
			ts := TaskStatus{
				Account:   account,
				Kind:      t.kind,
				StartedAt: t.started,
				Deadline:  t.deadline,
				RequestID: t.requestID,
			}
			if t.progress != nil {
				p := *t.progress
				ts.Progress = &p
			}
			st.Tasks = append(st.Tasks, ts)
		}
		if len(st.Tasks) > 0 {
			st.State = "running"
		}
	})
	slices.Sort(st.CurrentAccounts)
	slices.SortFunc(st.Tasks, func(a, b TaskStatus) int {
		switch {
		case a.Account < b.Account:
			return -1
		case a.Account > b.Account:
			return 1
		}
		return 0
	})
	return st, err
}
