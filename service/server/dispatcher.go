package server

import (
	"context"

	"github.com/itiky/deltasync/model"
	"github.com/itiky/deltasync/storage"
)

type (
	// waiter is a parked long-poll exchange.
	waiter struct {
		id uint64
		// Revision and store the client is synced to
		base  model.Revision
		store string
		// Request context: done when the client disconnects
		ctx     context.Context
		replyCh chan<- *model.Response
	}

	// dispatcher keeps parked exchanges and releases them on commits.
	// Not thread-safe: only used by the SyncService worker.
	dispatcher struct {
		store   *storage.Store
		waiting []*waiter
	}
)

// park adds a waiter.
func (d *dispatcher) park(w *waiter) {
	d.waiting = append(d.waiting, w)
	parkedWaiters.Set(float64(len(d.waiting)))
}

// drop removes a waiter without replying (client disconnected).
func (d *dispatcher) drop(id uint64) bool {
	for i, w := range d.waiting {
		if w.id != id {
			continue
		}

		d.waiting = append(d.waiting[:i], d.waiting[i+1:]...)
		parkedWaiters.Set(float64(len(d.waiting)))
		return true
	}

	return false
}

// dispatch replies to every waiter the current revision has something to report to.
// Returns the number of released waiters.
func (d *dispatcher) dispatch() int {
	released := 0
	waiting := d.waiting[:0]
	for _, w := range d.waiting {
		if w.ctx.Err() != nil {
			continue
		}

		res, ready := buildResponse(d.store, w.store, w.base, nil, true)
		if !ready {
			waiting = append(waiting, w)
			continue
		}

		w.replyCh <- res
		released++
	}

	// Release references held by the tail
	for i := len(waiting); i < len(d.waiting); i++ {
		d.waiting[i] = nil
	}
	d.waiting = waiting
	parkedWaiters.Set(float64(len(d.waiting)))

	return released
}

// len returns the number of parked waiters.
func (d *dispatcher) len() int {
	return len(d.waiting)
}

// buildResponse builds a reply for a client synced to the base revision of the store uid.
// The diff is sent if the base is known, the full document otherwise.
// If wait is set and the diff is empty, no reply is built (ready is false).
func buildResponse(s *storage.Store, uid string, base model.Revision, ans []model.Answer, wait bool) (res *model.Response, ready bool) {
	snap := s.Snapshot()
	res = &model.Response{
		Revision: snap.Revision,
		Store:    snap.Store,
		Ans:      ans,
	}

	if !base.IsZero() && (uid == "" || uid == snap.Store) {
		if delta, known := s.Delta(base); known {
			if wait && model.IsEmpty(delta) {
				return nil, false
			}
			res.Patch = delta
			return res, true
		}
	}

	res.Data = snap.Data

	return res, true
}
