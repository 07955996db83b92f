// Package locks serializes phase transitions per flow. The engine acquires
// the lock keyed by the master's internal id before mutating flow state, so
// at most one phase transition runs per flow at a time.
package locks

import (
	"context"
	"sync"

	"github.com/relokate/masterflow/pkg/models"
)

// Release frees a held lock. Safe to call once; implementations ignore
// repeated calls.
type Release func()

// FlowLocker grants exclusive access to one flow's state.
type FlowLocker interface {
	// Acquire blocks until the flow lock is held or the context is done.
	Acquire(ctx context.Context, id models.InternalFlowID) (Release, error)
}

// Local is an in-process flow locker for single-node deployments and tests.
type Local struct {
	mu    sync.Mutex
	flows map[models.InternalFlowID]*flowGate
}

type flowGate struct {
	ch      chan struct{}
	waiters int
}

// NewLocal creates an in-process flow locker.
func NewLocal() *Local {
	return &Local{flows: make(map[models.InternalFlowID]*flowGate)}
}

// Acquire blocks cooperatively until the per-flow gate is free.
func (l *Local) Acquire(ctx context.Context, id models.InternalFlowID) (Release, error) {
	l.mu.Lock()

	gate, ok := l.flows[id]
	if !ok {
		gate = &flowGate{ch: make(chan struct{}, 1)}
		l.flows[id] = gate
	}

	gate.waiters++
	l.mu.Unlock()

	select {
	case gate.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(id, gate)

		return nil, ctx.Err()
	}

	var once sync.Once

	release := func() {
		once.Do(func() {
			<-gate.ch
			l.drop(id, gate)
		})
	}

	return release, nil
}

func (l *Local) drop(id models.InternalFlowID, gate *flowGate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	gate.waiters--
	if gate.waiters == 0 {
		delete(l.flows, id)
	}
}
