package client

import (
	"sync"

	"github.com/itiky/deltasync/model"
)

type (
	// ObserverFunc is called for a subscription matching a document update.
	// ctx is the value passed to Subscribe, doc is the new document, diff the change since the previous one.
	ObserverFunc func(ctx any, path model.Path, doc, diff model.Map)

	// Subscription is a Subscribe handle.
	Subscription struct {
		path model.Path
		fn   ObserverFunc
		ctx  any
	}

	// Observer notifies subscribers about document changes under their paths.
	Observer struct {
		sync.Mutex
		subs []*Subscription
	}
)

// Path returns the subscription path.
func (s *Subscription) Path() model.Path {
	return s.path
}

// Subscribe adds a subscription. model.AnyKey in path matches any key at its depth, an empty path matches any change.
func (o *Observer) Subscribe(path model.Path, fn ObserverFunc, ctx any) *Subscription {
	sub := &Subscription{
		path: append(model.Path(nil), path...),
		fn:   fn,
		ctx:  ctx,
	}

	o.Lock()
	defer o.Unlock()

	o.subs = append(o.subs, sub)

	return sub
}

// Unsubscribe removes a subscription. Returns false if not found.
func (o *Observer) Unsubscribe(sub *Subscription) bool {
	o.Lock()
	defer o.Unlock()

	for i, s := range o.subs {
		if s != sub {
			continue
		}

		subs := make([]*Subscription, 0, len(o.subs)-1)
		subs = append(subs, o.subs[:i]...)
		o.subs = append(subs, o.subs[i+1:]...)
		return true
	}

	return false
}

// Update notifies every subscription the change from oldDoc to newDoc is visible to.
// Returns the number of notified subscriptions.
func (o *Observer) Update(newDoc, oldDoc model.Map) int {
	o.Lock()
	subs := o.subs
	o.Unlock()

	if len(subs) == 0 {
		return 0
	}

	diff := model.Diff(oldDoc, newDoc)
	notified := 0
	for _, sub := range subs {
		if !pathUpdated(sub.path, diff) {
			continue
		}
		sub.fn(sub.ctx, sub.path, newDoc, diff)
		notified++
	}

	return notified
}

// pathUpdated walks the diff along the path.
// Reaching a non-map node before the path ends means an ancestor was replaced.
func pathUpdated(path model.Path, node model.Value) bool {
	m, ok := node.(model.Map)
	if !ok {
		return true
	}
	if len(path) == 0 {
		return !model.IsEmpty(m)
	}

	if path[0] == model.AnyKey {
		for _, child := range m {
			if pathUpdated(path[1:], child) {
				return true
			}
		}
		return false
	}

	child, found := m[path[0]]
	if !found {
		return false
	}

	return pathUpdated(path[1:], child)
}

// NewObserver creates a new Observer object.
func NewObserver() *Observer {
	return &Observer{}
}
