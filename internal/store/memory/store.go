// Package memory provides an in-process implementation of the store
// interfaces, optionally seeded from a YAML topology file.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/store"
)

// state is the data behind a MemoryStore. Transactions work on a copy.
type state struct {
	nodes  map[models.NodeID]models.NodeRecord
	events []models.EventRecord
}

// putNode stores node, keeping the registration time of an existing record.
func (st *state) putNode(node models.NodeRecord) models.NodeRecord {
	if existing, ok := st.nodes[node.ID]; ok {
		node.RegisteredAt = existing.RegisteredAt
	}
	st.nodes[node.ID] = node
	return node
}

func (st *state) deleteNode(id models.NodeID) bool {
	if _, ok := st.nodes[id]; !ok {
		return false
	}
	delete(st.nodes, id)
	return true
}

func (st *state) appendEvent(event models.EventRecord) {
	st.events = append(st.events, event)
}

func (st *state) clone() *state {
	c := &state{
		nodes:  make(map[models.NodeID]models.NodeRecord, len(st.nodes)),
		events: make([]models.EventRecord, len(st.events)),
	}
	for id, n := range st.nodes {
		c.nodes[id] = n
	}
	copy(c.events, st.events)
	return c
}

// MemoryStore implements store.Store in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	txMu   sync.Mutex
	st     *state
	logger *slog.Logger
	now    func() time.Time

	// journal records the writes of a transaction for replay on commit.
	// It is nil outside transactions.
	journal *[]func(*state)
}

// New creates an empty store.
func New(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		st: &state{
			nodes: make(map[models.NodeID]models.NodeRecord),
		},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Nodes returns the NodeStore.
func (s *MemoryStore) Nodes() store.NodeStore {
	return &nodeStore{s: s}
}

// Events returns the EventStore.
func (s *MemoryStore) Events() store.EventStore {
	return &eventStore{s: s}
}

// WithTx runs fn against a private copy of the data. If fn succeeds its
// writes are replayed onto the live data, so writes made outside the
// transaction meanwhile are kept. Transactions are serialized with each other.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	var journal []func(*state)
	s.mu.RLock()
	work := &MemoryStore{st: s.st.clone(), logger: s.logger, now: s.now, journal: &journal}
	s.mu.RUnlock()

	if err := fn(&txStore{work}); err != nil {
		return err
	}

	s.mu.Lock()
	for _, apply := range journal {
		apply(s.st)
	}
	s.mu.Unlock()
	return nil
}

// record queues a write for replay when the enclosing transaction commits.
// The caller holds s.mu.
func (s *MemoryStore) record(apply func(*state)) {
	if s.journal != nil {
		*s.journal = append(*s.journal, apply)
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// txStore is a MemoryStore that does not open nested transactions.
type txStore struct {
	*MemoryStore
}

func (t *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(t)
}

type nodeStore struct {
	s *MemoryStore
}

func (n *nodeStore) Register(ctx context.Context, node *models.NodeRecord) error {
	if err := store.ValidateNode(node); err != nil {
		return err
	}
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	if node.RegisteredAt.IsZero() {
		node.RegisteredAt = n.s.now()
	}
	*node = n.s.st.putNode(*node)
	rec := *node
	n.s.record(func(st *state) { st.putNode(rec) })
	n.s.logger.Debug("node registered", "node_id", node.ID, "parent_id", node.ParentID)
	return nil
}

func (n *nodeStore) Get(ctx context.Context, id models.NodeID) (*models.NodeRecord, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	node, ok := n.s.st.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &node, nil
}

func (n *nodeStore) List(ctx context.Context) ([]models.NodeRecord, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	nodes := make([]models.NodeRecord, 0, len(n.s.st.nodes))
	for _, node := range n.s.st.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (n *nodeStore) Delete(ctx context.Context, id models.NodeID) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	if !n.s.st.deleteNode(id) {
		return store.ErrNotFound
	}
	n.s.record(func(st *state) { st.deleteNode(id) })
	return nil
}

// LockRegistry is a no-op: transactions already run one at a time.
func (n *nodeStore) LockRegistry(ctx context.Context) error {
	return nil
}

type eventStore struct {
	s *MemoryStore
}

func (e *eventStore) Append(ctx context.Context, event *models.EventRecord) error {
	if err := store.ValidateEvent(event); err != nil {
		return err
	}
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.ReportedAt.IsZero() {
		event.ReportedAt = e.s.now()
	}
	rec := *event
	e.s.st.appendEvent(rec)
	e.s.record(func(st *state) { st.appendEvent(rec) })
	return nil
}

func (e *eventStore) List(ctx context.Context, groupKeys ...string) ([]models.EventRecord, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	if len(groupKeys) == 0 {
		events := make([]models.EventRecord, len(e.s.st.events))
		copy(events, e.s.st.events)
		return events, nil
	}

	want := make(map[string]bool, len(groupKeys))
	for _, g := range groupKeys {
		want[g] = true
	}
	events := make([]models.EventRecord, 0)
	for _, ev := range e.s.st.events {
		if want[ev.GroupKey] {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (e *eventStore) Groups(ctx context.Context) ([]string, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	seen := make(map[string]bool)
	groups := make([]string, 0)
	for _, ev := range e.s.st.events {
		if !seen[ev.GroupKey] {
			seen[ev.GroupKey] = true
			groups = append(groups, ev.GroupKey)
		}
	}
	sort.Strings(groups)
	return groups, nil
}
