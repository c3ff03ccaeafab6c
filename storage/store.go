package storage

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
)

const (
	// DefaultRevisions is the number of old revisions a Store can serve diffs against.
	DefaultRevisions = 10
)

type (
	// Store keeps the current document alongside the bounded revision history and the delta cache.
	// Mutations are accumulated in a working copy (Add) and published as one revision (Commit).
	Store struct {
		sync.RWMutex
		// Config
		nRevisions int
		logger     *zap.Logger
		// State
		uid     string
		rev     int
		data    model.Map
		next    model.Map // working copy, nil if nothing is pending
		history map[int]model.Map
		// Diffs from a base revision to the current one, purged on every commit
		deltaCache *lru.Cache[int, model.Map]
		// Commit listeners
		listeners []CommitListener
	}

	// Snapshot is a committed Store state (also the persisted envelope).
	Snapshot struct {
		Revision model.Revision `json:"revision,omitempty"`
		Store    string         `json:"store,omitempty"`
		Data     model.Map      `json:"data"`
	}

	// CommitListener is invoked synchronously (within the commit path) after every published revision.
	CommitListener func(snap Snapshot)

	// Opt configures a Store.
	Opt func(s *Store)
)

// WithRevisions sets the revision history size.
func WithRevisions(n int) Opt {
	return func(s *Store) {
		s.nRevisions = n
	}
}

// WithLogger sets the Store logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a new Store with an empty document at revision 0.
func NewStore(opts ...Opt) (*Store, error) {
	s := &Store{
		nRevisions: DefaultRevisions,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.nRevisions <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "nRevisions")
	}

	cache, err := lru.New[int, model.Map](s.nRevisions + 1)
	if err != nil {
		return nil, fmt.Errorf("delta cache: %w", err)
	}
	s.deltaCache = cache

	s.reset(nil)

	return s, nil
}

// OnCommit registers a commit listener.
func (s *Store) OnCommit(l CommitListener) {
	s.Lock()
	defer s.Unlock()

	s.listeners = append(s.listeners, l)
}

// Reset replaces the document starting a new logical store: new uid, revision 0, empty history.
func (s *Store) Reset(data model.Map) {
	s.Lock()
	s.reset(data)
	snap := s.snapshot()
	listeners := s.listeners
	s.Unlock()

	s.logger.Info("store reset", zap.String("store", snap.Store))
	notify(listeners, snap)
}

// Restore adopts a persisted Snapshot keeping its uid and revision, so clients synced to it can continue
// with diffs. A snapshot without uid (bare document) results in Reset.
func (s *Store) Restore(snap Snapshot) error {
	if snap.Store == "" || snap.Revision.IsZero() {
		s.Reset(snap.Data)
		return nil
	}

	rev, err := snap.Revision.Int()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	s.Lock()
	s.reset(snap.Data)
	s.uid = snap.Store
	s.rev = rev
	s.history = map[int]model.Map{rev: s.data}
	s.Unlock()

	s.logger.Info("store restored",
		zap.String("store", snap.Store),
		zap.String("revision", string(snap.Revision)),
	)

	return nil
}

// Add applies the patch to the working copy (created on the first Add since the last Commit).
// Multiple Add calls are published as a single revision.
func (s *Store) Add(patch model.Map) {
	if patch == nil {
		return
	}

	s.Lock()
	defer s.Unlock()

	if s.next == nil {
		s.next = model.Clone(s.data).(model.Map)
	}
	model.Patch(s.next, patch)
}

// Commit publishes the working copy as a new revision.
// Returns false if there was nothing to commit.
func (s *Store) Commit() bool {
	s.Lock()
	if s.next == nil {
		s.Unlock()
		return false
	}

	s.rev++
	s.data = s.next
	s.next = nil
	s.history[s.rev] = s.data

	// Only keep N old revisions
	for rev := range s.history {
		if rev < s.rev-s.nRevisions {
			delete(s.history, rev)
		}
	}
	s.deltaCache.Purge()

	snap := s.snapshot()
	listeners := s.listeners
	s.Unlock()

	s.logger.Debug("revision committed", zap.String("revision", string(snap.Revision)))
	notify(listeners, snap)

	return true
}

// Discard drops the working copy. Returns false if there was none.
func (s *Store) Discard() bool {
	s.Lock()
	defer s.Unlock()

	if s.next == nil {
		return false
	}
	s.next = nil

	return true
}

// Delta returns the diff from the base revision to the current one.
// Returns false if the base is unknown (evicted or from the future): the caller must send the full document.
func (s *Store) Delta(base model.Revision) (model.Map, bool) {
	baseRev, err := base.Int()
	if err != nil {
		return nil, false
	}

	s.RLock()
	defer s.RUnlock()

	baseData, found := s.history[baseRev]
	if !found {
		return nil, false
	}

	if delta, found := s.deltaCache.Get(baseRev); found {
		return delta, true
	}
	delta := model.Diff(baseData, s.data)
	s.deltaCache.Add(baseRev, delta)

	return delta, true
}

// Working returns the working copy if one exists, the current document otherwise.
// Used by RPC handlers observing the state of an exchange being processed.
func (s *Store) Working() model.Map {
	s.RLock()
	defer s.RUnlock()

	if s.next != nil {
		return s.next
	}

	return s.data
}

// UID returns the store identity.
func (s *Store) UID() string {
	s.RLock()
	defer s.RUnlock()

	return s.uid
}

// Revision returns the current revision.
func (s *Store) Revision() model.Revision {
	s.RLock()
	defer s.RUnlock()

	return model.NewRevision(s.rev)
}

// Data returns the current document. The result must not be modified.
func (s *Store) Data() model.Map {
	s.RLock()
	defer s.RUnlock()

	return s.data
}

// Snapshot returns the current committed state.
func (s *Store) Snapshot() Snapshot {
	s.RLock()
	defer s.RUnlock()

	return s.snapshot()
}

// HistoryLen returns the number of revisions diffs can be served against.
func (s *Store) HistoryLen() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.history)
}

func (s *Store) reset(data model.Map) {
	if data == nil {
		data = make(model.Map)
	}

	s.uid = newStoreUID()
	s.rev = 0
	s.data = model.Patch(nil, data)
	s.next = nil
	s.history = map[int]model.Map{0: s.data}
	s.deltaCache.Purge()
}

func (s *Store) snapshot() Snapshot {
	return Snapshot{
		Revision: model.NewRevision(s.rev),
		Store:    s.uid,
		Data:     s.data,
	}
}

func notify(listeners []CommitListener, snap Snapshot) {
	for _, l := range listeners {
		l(snap)
	}
}

// newStoreUID generates a time-based uid, falling back to a random one.
func newStoreUID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}
