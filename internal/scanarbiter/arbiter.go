package scanarbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seemoo-lab/AirGuard-sub000/internal/ble"
	"github.com/seemoo-lab/AirGuard-sub000/internal/monitoring"
	"github.com/seemoo-lab/AirGuard-sub000/internal/timeutil"
)

var (
	// ErrThrottled is returned when the start-rate budget for the rolling
	// window is exhausted. The request is dropped, not queued.
	ErrThrottled = errors.New("scan start throttled")

	// ErrRejected is returned when a different owner holds the radio at equal
	// or higher priority and the request did not allow replacement.
	ErrRejected = errors.New("scan request rejected")

	// ErrStopped is returned for requests issued after the arbiter loop has
	// exited.
	ErrStopped = errors.New("arbiter stopped")
)

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopping
)

// SessionRecorder receives scan session audit records. The sightings store
// implements it; a nil recorder disables auditing.
type SessionRecorder interface {
	StartScanRecord(ctx context.Context, startedAt time.Time, mode string, manual bool) (string, error)
	CompleteScanRecord(ctx context.Context, scanUUID string, endedAt time.Time, devicesFound int) error
}

// Options configures an Arbiter.
type Options struct {
	// GraceDelay is the settling pause between stopping a preempted scan and
	// starting its replacement, respecting OS stop/start timing.
	GraceDelay time.Duration

	// MaxStarts is the scan start budget per rolling StartWindow.
	MaxStarts int

	// StartWindow is the rolling window for the start-rate throttle.
	StartWindow time.Duration
}

// DefaultOptions returns the production arbitration settings.
func DefaultOptions() Options {
	return Options{
		GraceDelay:  500 * time.Millisecond,
		MaxStarts:   5,
		StartWindow: 30 * time.Second,
	}
}

// Arbiter enforces the at-most-one-active-radio-scan invariant. All state
// transitions happen on the single goroutine running Run; public methods post
// commands to it and wait for the outcome, so no arbiter state is ever mutated
// concurrently.
type Arbiter struct {
	radio    Radio
	clock    timeutil.Clock
	recorder SessionRecorder
	opts     Options

	cmds chan command
	quit chan struct{}

	// Actor state. Touched only by the Run goroutine.
	st         state
	active     *grant
	pending    *grant
	lease      *leaseIntent
	startTimes []time.Time
	graceC     <-chan time.Time
	graceTimer timeutil.Timer

	// Fan-out of every scan result to observers, independent of the owning
	// scan's callback.
	subMu       sync.Mutex
	subscribers map[string]chan ble.ScanEvent

	closedMu sync.Mutex
	closed   bool
}

type command struct {
	apply func()
	done  chan struct{}
}

// grant is one admitted scan occupying the radio.
type grant struct {
	owner    string
	prio     Priority
	filters  []Filter
	settings Settings
	cb       *Callback
	wrapped  *Callback

	scanUUID  string
	startedAt time.Time

	seenMu sync.Mutex
	seen   map[string]bool
}

func (g *grant) devicesFound() int {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	return len(g.seen)
}

// leaseIntent is a standing low-priority request to keep the radio scanning
// whenever nothing else needs it.
type leaseIntent struct {
	owner    string
	filters  []Filter
	settings Settings
	cb       *Callback
}

// New creates an Arbiter over the given radio. recorder may be nil.
func New(radio Radio, clock timeutil.Clock, recorder SessionRecorder, opts Options) *Arbiter {
	return &Arbiter{
		radio:       radio,
		clock:       clock,
		recorder:    recorder,
		opts:        opts,
		cmds:        make(chan command),
		quit:        make(chan struct{}),
		subscribers: make(map[string]chan ble.ScanEvent),
	}
}

// Run executes the arbitration loop until the context is cancelled. Any scan
// still occupying the radio is stopped on exit.
func (a *Arbiter) Run(ctx context.Context) error {
	defer func() {
		a.closedMu.Lock()
		a.closed = true
		a.closedMu.Unlock()
		close(a.quit)
	}()

	for {
		select {
		case <-ctx.Done():
			if a.active != nil {
				// The run context is already cancelled; session bookkeeping
				// still needs to land.
				a.stopActive(context.Background())
			}
			a.st = stateIdle
			return ctx.Err()

		case cmd := <-a.cmds:
			cmd.apply()
			close(cmd.done)

		case <-a.graceC:
			a.graceC = nil
			a.graceTimer = nil
			a.startPending(context.Background())
		}
	}
}

// do posts fn to the actor and waits for it to run.
func (a *Arbiter) do(ctx context.Context, fn func()) error {
	a.closedMu.Lock()
	if a.closed {
		a.closedMu.Unlock()
		return ErrStopped
	}
	a.closedMu.Unlock()

	cmd := command{apply: fn, done: make(chan struct{})}
	select {
	case a.cmds <- cmd:
	case <-a.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-a.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartScan requests the radio. Priorities are totally ordered high > medium >
// low. A running lower-priority scan from another owner is preempted; the same
// owner replaces its own scan directly; an equal- or higher-priority scan from
// another owner rejects the request unless allowReplace is set.
func (a *Arbiter) StartScan(ctx context.Context, owner string, filters []Filter, settings Settings, cb *Callback, prio Priority, allowReplace bool) error {
	var outcome error
	err := a.do(ctx, func() {
		outcome = a.handleStart(ctx, &grant{
			owner:    owner,
			prio:     prio,
			filters:  filters,
			settings: settings,
			cb:       cb,
		}, allowReplace)
	})
	if err != nil {
		return err
	}
	return outcome
}

// StopScan stops the radio if the caller owns the active scan; otherwise it is
// a no-op. If a lease is registered and idle afterwards, it is resumed.
func (a *Arbiter) StopScan(ctx context.Context, owner string) error {
	return a.do(ctx, func() {
		if a.active == nil || a.active.owner != owner {
			return
		}
		a.stopActive(ctx)
		a.st = stateIdle
		a.resumeLease(ctx)
	})
}

// EnsureRunningLease registers a standing low-priority intent to always be
// scanning. The lease starts immediately if the radio is idle and resumes
// automatically whenever a higher-priority scan finishes.
func (a *Arbiter) EnsureRunningLease(ctx context.Context, owner string, filters []Filter, settings Settings, cb *Callback) error {
	return a.do(ctx, func() {
		a.lease = &leaseIntent{owner: owner, filters: filters, settings: settings, cb: cb}
		if a.st == stateIdle {
			a.resumeLease(ctx)
		}
	})
}

// ReleaseLease clears the standing scan intent, stopping its scan if active.
func (a *Arbiter) ReleaseLease(ctx context.Context, owner string) error {
	return a.do(ctx, func() {
		if a.lease == nil || a.lease.owner != owner {
			return
		}
		lease := a.lease
		a.lease = nil
		if a.active != nil && a.active.owner == lease.owner {
			a.stopActive(ctx)
			a.st = stateIdle
		}
	})
}

// State reports the current arbitration state as a string, for diagnostics.
func (a *Arbiter) State(ctx context.Context) string {
	names := map[state]string{
		stateIdle: "idle", stateStarting: "starting",
		stateRunning: "running", stateStopping: "stopping",
	}
	var out string
	a.do(ctx, func() { out = names[a.st] })
	return out
}

func (a *Arbiter) handleStart(ctx context.Context, g *grant, allowReplace bool) error {
	switch a.st {
	case stateIdle:
		return a.startNow(ctx, g)

	case stateStarting, stateRunning:
		cur := a.active
		if cur.owner == g.owner {
			// Same owner replaces its own scan directly, no grace delay.
			a.stopActive(ctx)
			a.st = stateIdle
			return a.startNow(ctx, g)
		}
		if g.prio <= cur.prio && !allowReplace {
			monitoring.Logf("arbiter: rejecting %s scan from %q (%s scan from %q active)",
				g.prio, g.owner, cur.prio, cur.owner)
			return ErrRejected
		}
		a.stopActive(ctx)
		a.queuePending(g)
		return nil

	case stateStopping:
		if a.pending == nil {
			a.pending = g
			return nil
		}
		if g.prio <= a.pending.prio && a.pending.owner != g.owner && !allowReplace {
			return ErrRejected
		}
		a.pending = g
		return nil
	}
	return fmt.Errorf("unexpected arbiter state %d", a.st)
}

// startNow attempts an immediate radio start, subject to the throttle.
func (a *Arbiter) startNow(ctx context.Context, g *grant) error {
	now := a.clock.Now()
	a.pruneStarts(now)
	if len(a.startTimes) >= a.opts.MaxStarts {
		monitoring.Logf("arbiter: dropping %s scan from %q (throttled: %d starts in %s)",
			g.prio, g.owner, len(a.startTimes), a.opts.StartWindow)
		return ErrThrottled
	}
	a.startTimes = append(a.startTimes, now)

	g.startedAt = now
	g.seen = make(map[string]bool)
	g.wrapped = &Callback{
		OnResult: func(ev ble.ScanEvent) { a.deliverResult(g, ev) },
		OnFailed: func(code int) { a.deliverFailure(g, code) },
	}

	a.st = stateStarting
	if err := a.radio.StartScan(g.filters, g.settings, g.wrapped); err != nil {
		// Radio off, permission missing, adapter gone: log and leave the
		// arbiter cleared so a later request can retry.
		a.st = stateIdle
		a.active = nil
		monitoring.Logf("arbiter: scan start for %q failed: %v", g.owner, err)
		return fmt.Errorf("scan start failed: %w", err)
	}

	if a.recorder != nil {
		id, err := a.recorder.StartScanRecord(ctx, now, g.settings.Mode.String(), g.settings.Manual)
		if err != nil {
			monitoring.Logf("arbiter: failed to record scan session: %v", err)
		} else {
			g.scanUUID = id
		}
	}

	a.active = g
	a.st = stateRunning
	return nil
}

// stopActive stops the radio and clears the active grant. State handling is
// left to the caller: it either queues a pending grant or goes idle.
func (a *Arbiter) stopActive(ctx context.Context) {
	g := a.active
	if g == nil {
		return
	}
	a.st = stateStopping
	a.active = nil
	if err := a.radio.StopScan(g.wrapped); err != nil {
		// The radio may already be gone; the arbiter must not stay stuck
		// running, so the grant is cleared regardless.
		monitoring.Logf("arbiter: scan stop for %q failed: %v", g.owner, err)
	}
	a.completeSession(ctx, g)
}

func (a *Arbiter) completeSession(ctx context.Context, g *grant) {
	if a.recorder == nil || g.scanUUID == "" {
		return
	}
	if err := a.recorder.CompleteScanRecord(ctx, g.scanUUID, a.clock.Now(), g.devicesFound()); err != nil {
		monitoring.Logf("arbiter: failed to complete scan session: %v", err)
	}
}

// queuePending schedules g to start after the grace delay.
func (a *Arbiter) queuePending(g *grant) {
	a.pending = g
	if a.graceTimer != nil {
		a.graceTimer.Stop()
	}
	t := a.clock.NewTimer(a.opts.GraceDelay)
	a.graceTimer = t
	a.graceC = t.C()
}

// startPending runs when the grace delay elapses.
func (a *Arbiter) startPending(ctx context.Context) {
	g := a.pending
	a.pending = nil
	if g == nil {
		// The timer was armed for a lease retry; a scan admitted in the
		// meantime takes precedence.
		if a.st == stateIdle {
			a.resumeLease(ctx)
		}
		return
	}
	a.st = stateIdle
	if err := a.startNow(ctx, g); err != nil {
		// The preempted scan is already stopped; the caller was answered long
		// ago, so all that is left is to log and fall back to the lease.
		monitoring.Logf("arbiter: deferred scan start for %q failed: %v", g.owner, err)
		if g.cb != nil && g.cb.OnFailed != nil {
			g.cb.OnFailed(FailedUnknown)
		}
		a.resumeLease(ctx)
	}
}

// resumeLease starts the standing lease scan if one is registered and the
// radio is idle.
func (a *Arbiter) resumeLease(ctx context.Context) {
	if a.lease == nil || a.st != stateIdle || a.active != nil {
		return
	}
	l := a.lease
	g := &grant{
		owner:    l.owner,
		prio:     PriorityLow,
		filters:  l.filters,
		settings: l.settings,
		cb:       l.cb,
	}
	if err := a.startNow(ctx, g); err != nil {
		monitoring.Logf("arbiter: lease resume for %q failed: %v", l.owner, err)
		// A throttled resume must not leave the always-on scan dark until the
		// next idle transition, which may never come.
		if errors.Is(err, ErrThrottled) {
			a.scheduleLeaseRetry()
		}
	}
}

// scheduleLeaseRetry re-arms the grace timer so a throttled lease resume is
// tried again once the start window has had a chance to slide.
func (a *Arbiter) scheduleLeaseRetry() {
	if a.graceTimer != nil {
		a.graceTimer.Stop()
	}
	t := a.clock.NewTimer(a.opts.GraceDelay)
	a.graceTimer = t
	a.graceC = t.C()
}

func (a *Arbiter) pruneStarts(now time.Time) {
	cutoff := now.Add(-a.opts.StartWindow)
	kept := a.startTimes[:0]
	for _, t := range a.startTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.startTimes = kept
}

// deliverResult runs on the radio's callback goroutine.
func (a *Arbiter) deliverResult(g *grant, ev ble.ScanEvent) {
	g.seenMu.Lock()
	g.seen[ev.Addr] = true
	g.seenMu.Unlock()

	if g.cb != nil && g.cb.OnResult != nil {
		g.cb.OnResult(ev)
	}

	a.subMu.Lock()
	for _, ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
			// Skip slow subscribers rather than blocking the radio callback.
		}
	}
	a.subMu.Unlock()
}

// deliverFailure runs on the radio's callback goroutine. The actor clears
// state so a later request can retry; the owner hears about it through its own
// callback.
func (a *Arbiter) deliverFailure(g *grant, code int) {
	go a.do(context.Background(), func() {
		if a.active == g {
			monitoring.Logf("arbiter: scan from %q failed with code %d", g.owner, code)
			a.active = nil
			a.st = stateIdle
			a.completeSession(context.Background(), g)
			a.resumeLease(context.Background())
		}
	})
	if g.cb != nil && g.cb.OnFailed != nil {
		g.cb.OnFailed(code)
	}
}

// Subscribe creates a channel receiving every scan event the arbiter sees,
// regardless of which scan produced it. The returned id is used to
// unsubscribe.
func (a *Arbiter) Subscribe() (string, chan ble.ScanEvent) {
	id := uuid.NewString()
	ch := make(chan ble.ScanEvent, 64)
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (a *Arbiter) Unsubscribe(id string) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if ch, ok := a.subscribers[id]; ok {
		close(ch)
		delete(a.subscribers, id)
	}
}
