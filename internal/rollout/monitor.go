package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/snapcache"
	"github.com/narvanalabs/topology-console/internal/statussync"
	"github.com/narvanalabs/topology-console/pkg/logger"
)

var (
	// ErrMonitorClosed is returned by Watch after Shutdown.
	ErrMonitorClosed = errors.New("monitor is shut down")

	// ErrTopologyUnavailable is returned by Watch when the node registry
	// cannot be loaded.
	ErrTopologyUnavailable = errors.New("topology unavailable")
)

// TopologySource returns the node registry used to build each group's tree.
type TopologySource interface {
	Get(ctx context.Context) ([]models.NodeRecord, error)
}

// Config configures a Monitor.
type Config struct {
	Topology     TopologySource
	Fetcher      statussync.EventFetcher
	Interval     time.Duration
	FetchTimeout time.Duration
	Conflict     statussync.ConflictPolicy
	Priority     []models.Classification
	Logger       *slog.Logger
}

// groupSync is the status sync of one group and its viewer count. The first
// viewer starts the sync without holding the monitor lock; later viewers
// wait on ready.
type groupSync struct {
	ready   chan struct{}
	sub     *statussync.Subscription
	err     error
	viewers int
}

// Monitor runs one status sync per watched group. A group's sync starts with
// its first viewer and stops when the last viewer leaves.
type Monitor struct {
	cfg        Config
	broker     *Broker
	selections *snapcache.Cache[string, []models.NodeID]
	logger     *logger.Logger

	// ctx outlives individual requests; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	groups map[string]*groupSync
	closed bool
}

// NewMonitor creates a monitor with no running syncs.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := logger.From(cfg.Logger).WithComponent("rollout")
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:        cfg,
		broker:     NewBroker(log.Logger),
		selections: snapcache.New[string, []models.NodeID](snapcache.WithClone[string, []models.NodeID](cloneIDs)),
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
		groups:     make(map[string]*groupSync),
	}
}

// Watch subscribes to live snapshots of group, starting its status sync if
// no one else is watching it. The latest snapshot, if any, is queued first.
// Callers must pass the subscriber to Unwatch when done.
func (m *Monitor) Watch(ctx context.Context, group string) (*Subscriber, error) {
	if group == "" {
		return nil, statussync.ErrEmptyGroupKey
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMonitorClosed
	}
	gs, running := m.groups[group]
	if !running {
		gs = &groupSync{ready: make(chan struct{})}
		m.groups[group] = gs
	}
	gs.viewers++
	m.mu.Unlock()

	if running {
		select {
		case <-gs.ready:
		case <-ctx.Done():
			m.release(group, gs)
			return nil, ctx.Err()
		}
	} else {
		sub, err := m.start(ctx, group)
		m.mu.Lock()
		gs.sub, gs.err = sub, err
		if err != nil && m.groups[group] == gs {
			delete(m.groups, group)
		}
		m.mu.Unlock()
		close(gs.ready)
	}

	// A failed start is dropped from the map, so there is nothing to release.
	if gs.err != nil {
		return nil, gs.err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.release(group, gs)
		gs.sub.Stop()
		return nil, ErrMonitorClosed
	}

	return m.broker.Subscribe(group, gs.sub.Latest), nil
}

func (m *Monitor) start(ctx context.Context, group string) (*statussync.Subscription, error) {
	nodes, err := m.cfg.Topology.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w for group %q: %w", ErrTopologyUnavailable, group, err)
	}

	return statussync.Start(m.ctx, statussync.Config{
		GroupKey:     group,
		Fetcher:      m.cfg.Fetcher,
		Topology:     nodes,
		Interval:     m.cfg.Interval,
		FetchTimeout: m.cfg.FetchTimeout,
		Conflict:     m.cfg.Conflict,
		Priority:     m.cfg.Priority,
		Overlays: []statussync.Source{{
			Name: "requested",
			Layer: func() statussync.Layer {
				return statussync.LayerFromIDs(m.selections.Get(group), models.ClassificationInProgress)
			},
		}},
		OnUpdate: func(snap *statussync.Snapshot) {
			m.broker.Publish(group, Update{Snapshot: snap})
		},
		OnError: func(err error) {
			m.broker.Publish(group, Update{Err: err})
		},
		Logger: m.cfg.Logger,
	})
}

// release drops one viewer of gs. The last viewer stops the sync before the
// group can be started again, so a later sync never races a stale tick.
func (m *Monitor) release(group string, gs *groupSync) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gs.viewers--
	if gs.viewers > 0 || m.groups[group] != gs {
		return
	}
	delete(m.groups, group)
	if gs.sub != nil {
		gs.sub.Stop()
	}
}

// Unwatch releases a subscriber returned by Watch. The group's sync stops
// when its last viewer is released.
func (m *Monitor) Unwatch(sub *Subscriber) {
	if sub == nil {
		return
	}
	m.broker.Unsubscribe(sub)

	m.mu.Lock()
	gs, ok := m.groups[sub.GroupKey]
	m.mu.Unlock()
	if ok {
		m.release(sub.GroupKey, gs)
	}
}

// Snapshot returns the latest snapshot of group. If the group is not being
// watched, a sync is started for the call and the first snapshot awaited
// until ctx expires.
func (m *Monitor) Snapshot(ctx context.Context, group string) (*statussync.Snapshot, error) {
	sub, err := m.Watch(ctx, group)
	if err != nil {
		return nil, err
	}
	defer m.Unwatch(sub)

	var lastErr error
	for {
		select {
		case u, ok := <-sub.Ch:
			if !ok {
				return nil, ErrMonitorClosed
			}
			if u.Snapshot != nil {
				return u.Snapshot, nil
			}
			lastErr = u.Err
		case <-ctx.Done():
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
	}
}

// Status reports the health of group's sync. ok is false when the group is
// not being watched or its sync is still starting.
func (m *Monitor) Status(group string) (statussync.Status, bool) {
	m.mu.Lock()
	gs, ok := m.groups[group]
	var sub *statussync.Subscription
	if ok {
		sub = gs.sub
	}
	m.mu.Unlock()
	if sub == nil {
		return statussync.Status{}, false
	}
	return sub.Status(), true
}

// Groups returns the groups with a running sync, sorted.
func (m *Monitor) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := make([]string, 0, len(m.groups))
	for g, gs := range m.groups {
		if gs.sub != nil {
			groups = append(groups, g)
		}
	}
	sort.Strings(groups)
	return groups
}

// Viewers returns the number of live viewers of group.
func (m *Monitor) Viewers(group string) int {
	return m.broker.SubscriberCount(group)
}

// SetSelection records the operator's requested nodes for group and makes
// group the active one. Requested nodes are classified in progress from the
// next tick on.
func (m *Monitor) SetSelection(group string, ids []models.NodeID) {
	m.selections.Set(group, ids)
	m.selections.Activate(group)
	m.logger.WithGroupKey(group).Info("selection updated", "nodes", len(ids))
}

// Selection returns the selection recorded for group.
func (m *Monitor) Selection(group string) []models.NodeID {
	return m.selections.Get(group)
}

// Activate makes group the operator's active group and returns the
// selection restored for it.
func (m *Monitor) Activate(group string) []models.NodeID {
	ids := m.selections.Activate(group)
	m.logger.WithGroupKey(group).Debug("group activated", "nodes", len(ids))
	return ids
}

// ActiveGroup returns the group the operator last switched to.
func (m *Monitor) ActiveGroup() (string, bool) {
	return m.selections.Active()
}

// Name identifies the monitor for shutdown logging.
func (m *Monitor) Name() string {
	return "rollout-monitor"
}

// Shutdown stops every running sync and waits for their loops to exit.
// Subscribers still watching have their channels closed.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	groups := m.groups
	m.groups = make(map[string]*groupSync)
	m.mu.Unlock()

	m.cancel()

	var errs []error
	for group, gs := range groups {
		select {
		case <-gs.ready:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("statussync:%s: %w", group, ctx.Err()))
			continue
		}
		if gs.sub == nil {
			continue
		}
		if err := gs.sub.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", gs.sub.Name(), err))
		}
	}
	m.broker.CloseAll()
	return errors.Join(errs...)
}

func cloneIDs(ids []models.NodeID) []models.NodeID {
	if ids == nil {
		return nil
	}
	out := make([]models.NodeID, len(ids))
	copy(out, ids)
	return out
}
