// Package scheduler keeps one agent's presence alive and its view of the
// online set fresh.
//
// A Scheduler only runs while its session is valid. Once Active it sends a
// heartbeat and refreshes the online set immediately, then on two independent
// tickers, and refreshes out of band whenever the change stream hints that
// presence data moved. Failed calls are logged and wait for the next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

var (
	// ErrNoSession is returned by Start when there is no valid session. The
	// scheduler stays Idle and makes no calls.
	ErrNoSession = errors.New("scheduler: no valid session")
	// ErrRunning is returned by Start on a scheduler that is already running.
	ErrRunning = errors.New("scheduler: already running")

	errSessionEnded = errors.New("scheduler: session ended")
)

type State int

const (
	StateIdle State = iota
	StateAuthenticated
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Service is the remote presence API, see client.Client.
type Service interface {
	Heartbeat(ctx context.Context) error
	ListOnline(ctx context.Context) ([]models.EnrichedPresence, error)
}

// ChangeSubscriber blocks delivering change hints until ctx is done or the
// subscription breaks.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, onChange func()) error
}

type Session interface {
	Valid(now time.Time) bool
}

// Snapshot is the last online set the scheduler applied.
type Snapshot struct {
	Users       []models.EnrichedPresence
	RefreshedAt time.Time
}

type Options struct {
	Session           Session
	HeartbeatInterval time.Duration
	RefreshInterval   time.Duration
	// RequestTimeout bounds every remote call. A call that times out counts
	// as a transient failure.
	RequestTimeout time.Duration
	// Changes is optional. Without it the online set is only polled.
	Changes ChangeSubscriber
	// OnUpdate receives every applied snapshot. It must not call Stop.
	OnUpdate func(Snapshot)
	Clock    quartz.Clock
	Logger   *utils.Logger
}

type Scheduler struct {
	svc  Service
	opts Options

	mu    sync.Mutex
	state State
	epoch uint64
	cur   *run
	// ended is a run that stopped itself and still has to be waited for.
	ended    *run
	snapshot Snapshot

	updateMu sync.Mutex
	inflight sync.WaitGroup
}

// run is one Start..Stop cycle. Results are applied only while the run is
// still current.
type run struct {
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	hints  chan struct{}

	heartbeat job
	refresh   job
}

// job serializes one kind of call. A heartbeat that is still in flight
// swallows the next tick. A refresh requested while one is in flight runs
// again right after it, since the running one may predate the change.
type job struct {
	mu      sync.Mutex
	running bool
	pending bool
}

func New(svc Service, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = opts.HeartbeatInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	opts.Logger = opts.Logger.With("component", "scheduler")

	return &Scheduler{
		svc:   svc,
		opts:  opts,
		state: StateIdle,
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the last applied online set. Failed refreshes leave it
// untouched.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Start moves Idle (or Stopped) to Active. Cancelling ctx halts the run's
// timers, but Stop must still be called to release it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateAuthenticated || s.state == StateActive {
		s.mu.Unlock()
		return ErrRunning
	}
	if s.opts.Session == nil || !s.opts.Session.Valid(s.opts.Clock.Now()) {
		s.mu.Unlock()
		return ErrNoSession
	}
	s.state = StateAuthenticated

	s.epoch++
	r := &run{
		epoch: s.epoch,
		hints: make(chan struct{}, 1),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	s.cur = r
	s.state = StateActive
	prev := s.ended
	s.ended = nil
	s.mu.Unlock()

	if prev != nil {
		prev.wg.Wait()
	}

	s.opts.Logger.Info("Presence scheduler started",
		"epoch", r.epoch,
		"heartbeat_interval", s.opts.HeartbeatInterval,
		"refresh_interval", s.opts.RefreshInterval)

	s.dispatchHeartbeat(r)
	s.dispatchRefresh(r)

	heartbeats := s.opts.Clock.TickerFunc(r.ctx, s.opts.HeartbeatInterval, func() error {
		if err := s.checkSession(r); err != nil {
			return err
		}
		s.dispatchHeartbeat(r)
		return nil
	}, "scheduler", "heartbeat")

	refreshes := s.opts.Clock.TickerFunc(r.ctx, s.opts.RefreshInterval, func() error {
		if err := s.checkSession(r); err != nil {
			return err
		}
		s.dispatchRefresh(r)
		return nil
	}, "scheduler", "refresh")

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		_ = heartbeats.Wait()
	}()
	go func() {
		defer r.wg.Done()
		_ = refreshes.Wait()
	}()
	go func() {
		defer r.wg.Done()
		s.hintLoop(r)
	}()

	if s.opts.Changes != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			s.subscribeLoop(r)
		}()
	}

	return nil
}

// Stop releases the tickers and the change subscription and waits for them.
// Calls already in flight are left to finish; their results are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		r = s.ended
	}
	s.cur = nil
	s.ended = nil
	if s.state != StateIdle {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	s.opts.Logger.Info("Presence scheduler stopped", "epoch", r.epoch)
}

// checkSession ends the run from inside a ticker when the session is no
// longer valid. It cannot wait for the run's goroutines, it is one of them.
func (s *Scheduler) checkSession(r *run) error {
	if s.opts.Session.Valid(s.opts.Clock.Now()) {
		return nil
	}

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
		s.ended = r
		s.state = StateStopped
	}
	s.mu.Unlock()

	s.opts.Logger.Info("Session ended, stopping presence scheduler", "epoch", r.epoch)
	r.cancel()
	return errSessionEnded
}

func (s *Scheduler) current(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == r
}

// hint requests an out-of-band refresh. Hints coalesce into one.
func (r *run) hint() {
	select {
	case r.hints <- struct{}{}:
	default:
	}
}

func (s *Scheduler) hintLoop(r *run) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.hints:
			s.dispatchRefresh(r)
		}
	}
}

func (s *Scheduler) subscribeLoop(r *run) {
	for {
		err := s.opts.Changes.Subscribe(r.ctx, r.hint)
		if r.ctx.Err() != nil {
			return
		}
		s.opts.Logger.Warn("Change subscription lost, polling only until resubscribed",
			"error", err, "retry_in", s.opts.RefreshInterval)

		t := s.opts.Clock.NewTimer(s.opts.RefreshInterval, "scheduler", "resubscribe")
		select {
		case <-r.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		// Changes may have been missed while unsubscribed.
		r.hint()
	}
}

func (s *Scheduler) dispatchHeartbeat(r *run) {
	r.heartbeat.mu.Lock()
	if r.heartbeat.running {
		r.heartbeat.mu.Unlock()
		s.opts.Logger.Debug("Previous heartbeat still in flight, skipping tick")
		return
	}
	r.heartbeat.running = true
	r.heartbeat.mu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			r.heartbeat.mu.Lock()
			r.heartbeat.running = false
			r.heartbeat.mu.Unlock()
		}()
		s.guard(r, "heartbeat", func() { s.sendHeartbeat(r) })
	}()
}

func (s *Scheduler) dispatchRefresh(r *run) {
	r.refresh.mu.Lock()
	if r.refresh.running {
		r.refresh.pending = true
		r.refresh.mu.Unlock()
		return
	}
	r.refresh.running = true
	r.refresh.mu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		for {
			s.guard(r, "refresh", func() { s.refreshOnline(r) })

			r.refresh.mu.Lock()
			if !r.refresh.pending || !s.current(r) {
				r.refresh.running = false
				r.refresh.pending = false
				r.refresh.mu.Unlock()
				return
			}
			r.refresh.pending = false
			r.refresh.mu.Unlock()
		}
	}()
}

// guard keeps a panicking call from taking the agent down; the next tick
// runs as usual.
func (s *Scheduler) guard(r *run, what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.opts.Logger.Error("Presence cycle panicked", "cycle", what, "epoch", r.epoch, "panic", p)
		}
	}()
	fn()
}

// callContext detaches from the run so Stop does not cancel the call; the
// request timeout still bounds it.
func (s *Scheduler) callContext(r *run) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.ctx), s.opts.RequestTimeout)
}

func (s *Scheduler) sendHeartbeat(r *run) {
	ctx, cancel := s.callContext(r)
	defer cancel()

	err := s.svc.Heartbeat(ctx)
	if !s.current(r) {
		return
	}
	if err != nil {
		s.logFailure("heartbeat", err)
		return
	}
	s.opts.Logger.Debug("Heartbeat sent")
}

func (s *Scheduler) refreshOnline(r *run) {
	ctx, cancel := s.callContext(r)
	defer cancel()

	users, err := s.svc.ListOnline(ctx)
	if err != nil {
		if s.current(r) {
			s.logFailure("refresh", err)
		}
		return
	}

	// updateMu keeps OnUpdate calls in the order snapshots were applied.
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		s.opts.Logger.Debug("Discarding online set from a stopped run", "epoch", r.epoch)
		return
	}
	snap := Snapshot{Users: users, RefreshedAt: s.opts.Clock.Now()}
	s.snapshot = snap
	s.mu.Unlock()

	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(snap)
	}
}

func (s *Scheduler) logFailure(what string, err error) {
	switch {
	case errors.Is(err, models.ErrUnauthenticated):
		s.opts.Logger.Warn("Presence call rejected", "cycle", what, "error", err)
	default:
		s.opts.Logger.Warn("Presence call failed, keeping last known state", "cycle", what, "error", err)
	}
}
