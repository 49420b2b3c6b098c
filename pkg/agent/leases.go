package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/observability"
)

// LeaseRunner executes one lease to completion. ctx is cancelled when the
// coordinator cancels the lease.
type LeaseRunner func(ctx context.Context, lease *api.Lease) api.LeaseResult

// LeaseCompletion is sent by a lease goroutine when its runner returns
type LeaseCompletion struct {
	ID     string
	Result api.LeaseResult
}

// ReconcileStats counts what one reconciliation pass changed
type ReconcileStats struct {
	Removed   int
	Cancelled int
	Started   int
}

// Changed reports whether the pass mutated the set
func (s ReconcileStats) Changed() bool {
	return s.Removed+s.Cancelled+s.Started > 0
}

type leaseEntry struct {
	lease *api.Lease
	kind  string

	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
	started         time.Time

	// reported is set once an update carrying the terminal state succeeded
	reported bool
}

// LeaseSet tracks the leases this agent is working on. Structural changes
// (Reconcile, Apply) are made by a single owner, the session loop; lease
// goroutines only report back over Results. The mutex guards snapshots
// taken by other readers such as the status API.
type LeaseSet struct {
	run     LeaseRunner
	events  *observability.EventStream
	logger  *zap.Logger
	results chan LeaseCompletion

	// base is the parent of every lease context; it outlives sessions
	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	entries map[string]*leaseEntry
}

// NewLeaseSet creates an empty lease set that runs new leases with run
func NewLeaseSet(run LeaseRunner, events *observability.EventStream, logger *zap.Logger) *LeaseSet {
	base, cancel := context.WithCancel(context.Background())
	return &LeaseSet{
		run:        run,
		events:     events,
		logger:     logger,
		results:    make(chan LeaseCompletion, 64),
		base:       base,
		cancelBase: cancel,
		entries:    make(map[string]*leaseEntry),
	}
}

// Results delivers lease completions; the owner passes each one to Apply
func (s *LeaseSet) Results() <-chan LeaseCompletion {
	return s.results
}

// Len returns the number of tracked leases, including finished leases the
// coordinator has not acknowledged yet
func (s *LeaseSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns copies of all tracked leases ordered by id
func (s *LeaseSet) Snapshot() []*api.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*api.Lease, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.lease.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reconcile makes the local set match the coordinator's view:
//
//  1. finished local leases are dropped once their terminal state has been
//     reported and the coordinator no longer lists them as live
//  2. leases the coordinator cancelled are cancelled locally
//  3. pending leases unknown locally are activated and started
//
// It never blocks and is idempotent.
func (s *LeaseSet) Reconcile(serverLeases []*api.Lease) ReconcileStats {
	var stats ReconcileStats

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool, len(serverLeases))
	for _, l := range serverLeases {
		if l.State != api.LeaseStateCancelled {
			live[l.ID] = true
		}
	}

	for id, e := range s.entries {
		if e.lease.State.Terminal() && e.reported && !live[id] {
			s.logger.Info("Removing lease", zap.String("lease_id", id), zap.Stringer("state", e.lease.State))
			delete(s.entries, id)
			stats.Removed++
			observability.LeaseReconcileActionsTotal.WithLabelValues("removed").Inc()
			s.events.RecordEvent(s.base, observability.NewLeaseReconciledEvent(observability.EventLeaseRemoved, id, "Lease acknowledged by coordinator"))
		}
	}

	for _, l := range serverLeases {
		e, ok := s.entries[l.ID]
		switch {
		case l.State == api.LeaseStateCancelled && ok:
			if e.cancelRequested || e.lease.State.Terminal() {
				continue
			}
			s.logger.Info("Cancelling lease", zap.String("lease_id", l.ID))
			e.cancelRequested = true
			e.cancel()
			stats.Cancelled++
			observability.LeaseReconcileActionsTotal.WithLabelValues("cancelled").Inc()
			s.events.RecordEvent(s.base, observability.NewLeaseReconciledEvent(observability.EventLeaseCancelRequested, l.ID, "Lease cancelled by coordinator"))
		case l.State == api.LeaseStatePending && !ok:
			s.start(l)
			stats.Started++
			observability.LeaseReconcileActionsTotal.WithLabelValues("started").Inc()
		}
	}

	s.updateGauge()
	return stats
}

// MarkReported records that the coordinator accepted an update listing
// sent. Terminal leases whose state matches become eligible for removal.
func (s *LeaseSet) MarkReported(sent []*api.Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range sent {
		e, ok := s.entries[l.ID]
		if ok && l.State.Terminal() && e.lease.State == l.State {
			e.reported = true
		}
	}
}

// start activates a pending lease and spawns its goroutine. Requires s.mu.
func (s *LeaseSet) start(serverLease *api.Lease) {
	lease := serverLease.Clone()
	lease.State = api.LeaseStateActive

	kind := "unknown"
	if task, err := lease.Payload.Decode(); err == nil {
		kind = api.TaskKind(task)
	}

	ctx, cancel := context.WithCancel(observability.WithLeaseID(s.base, lease.ID))
	e := &leaseEntry{
		lease:   lease,
		kind:    kind,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.entries[lease.ID] = e

	s.logger.Info("Adding lease",
		zap.String("lease_id", lease.ID),
		zap.String("name", lease.Name),
		zap.String("kind", kind),
	)
	s.events.RecordEvent(ctx, observability.NewLeaseStartedEvent(lease.ID, lease.Name, kind))

	runLease := lease.Clone()
	go func() {
		defer close(e.done)
		defer cancel()
		result := s.run(ctx, runLease)
		s.results <- LeaseCompletion{ID: runLease.ID, Result: result}
	}()
}

// Apply records a lease's terminal state. It reports false if the lease is
// unknown or already terminal.
func (s *LeaseSet) Apply(c LeaseCompletion) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[c.ID]
	if !ok {
		return false
	}

	next := api.LeaseStateCompleted
	if c.Result.Outcome == api.LeaseOutcomeCancelled {
		next = api.LeaseStateCancelled
	}
	if !e.lease.State.CanTransition(next) {
		s.logger.Warn("Ignoring illegal lease transition",
			zap.String("lease_id", c.ID),
			zap.Stringer("from", e.lease.State),
			zap.Stringer("to", next),
		)
		return false
	}

	e.lease.State = next
	e.lease.Outcome = c.Result.Outcome
	e.lease.Output = c.Result.Output

	s.logger.Info("Transitioning lease",
		zap.String("lease_id", c.ID),
		zap.Stringer("state", next),
		zap.Stringer("outcome", c.Result.Outcome),
	)
	observability.LeaseOutcomesTotal.WithLabelValues(e.kind, c.Result.Outcome.String()).Inc()
	observability.LeaseDurationSeconds.WithLabelValues(e.kind).Observe(time.Since(e.started).Seconds())
	s.events.RecordEvent(s.base, observability.NewLeaseFinishedEvent(c.ID, e.kind, next.String(), c.Result.Outcome.String()))
	s.updateGauge()
	return true
}

// ApplyPending applies every completion already queued without blocking
func (s *LeaseSet) ApplyPending() int {
	n := 0
	for {
		select {
		case c := <-s.results:
			if s.Apply(c) {
				n++
			}
		default:
			return n
		}
	}
}

// CancelAll cancels every running lease
func (s *LeaseSet) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.cancelRequested = true
	}
	s.cancelBase()
}

// Wait blocks until every lease goroutine has exited, applying their
// completions as they arrive
func (s *LeaseSet) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		var pending chan struct{}
		for _, e := range s.entries {
			select {
			case <-e.done:
				continue
			default:
			}
			pending = e.done
			break
		}
		s.mu.Unlock()

		if pending == nil {
			s.ApplyPending()
			return nil
		}

		select {
		case c := <-s.results:
			s.Apply(c)
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// updateGauge sets the active lease gauge. Requires s.mu.
func (s *LeaseSet) updateGauge() {
	active := 0
	for _, e := range s.entries {
		if !e.lease.State.Terminal() {
			active++
		}
	}
	observability.ActiveLeases.Set(float64(active))
}
