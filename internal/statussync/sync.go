package statussync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/topology"
	"github.com/narvanalabs/topology-console/pkg/logger"
)

// DefaultInterval is the poll cadence used when Config.Interval is zero.
const DefaultInterval = time.Second

// EventFetcher returns the current install event log. Implementations may
// pre-filter by group key; the result is filtered again locally.
type EventFetcher interface {
	FetchEvents(ctx context.Context, groupKey string) ([]models.EventRecord, error)
}

// FetchFunc adapts a function to EventFetcher.
type FetchFunc func(ctx context.Context, groupKey string) ([]models.EventRecord, error)

// FetchEvents calls f.
func (f FetchFunc) FetchEvents(ctx context.Context, groupKey string) ([]models.EventRecord, error) {
	return f(ctx, groupKey)
}

// Source is an extra classification source evaluated on every tick, such as
// the operator's current node selection.
type Source struct {
	Name  string
	Layer func() Layer
}

// Config describes one live classification of a topology for a group.
type Config struct {
	GroupKey string
	Fetcher  EventFetcher
	Topology []models.NodeRecord
	Interval time.Duration
	// FetchTimeout bounds a single fetch. Zero leaves the fetch bounded only by
	// Stop.
	FetchTimeout time.Duration

	Labels   models.LabelSet
	Conflict ConflictPolicy
	Priority []models.Classification
	// Overlays rank above event-derived classification, highest first.
	Overlays []Source

	OnUpdate func(*Snapshot)
	OnError  func(error)
	Logger   *slog.Logger
}

// Snapshot is a complete, immutable view produced by one tick. Consumers must
// not modify it.
type Snapshot struct {
	GroupKey        string                                  `json:"group_key"`
	Tick            uint64                                  `json:"tick"`
	Tree            *models.TreeNode                        `json:"tree"`
	Classifications map[models.NodeID]models.Classification `json:"classifications"`
	FetchedAt       time.Time                               `json:"fetched_at"`
}

// Status reports the health of the polling loop.
type Status struct {
	Ticks               uint64    `json:"ticks"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           error     `json:"-"`
	LastSuccess         time.Time `json:"last_success"`
	Stopped             bool      `json:"stopped"`
}

// Option configures a Subscription.
type Option func(*Subscription)

// WithClock overrides the time source used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Subscription) {
		s.now = now
	}
}

// withTicks replaces the interval ticker. Used by tests to drive ticks by hand.
func withTicks(ch <-chan time.Time) Option {
	return func(s *Subscription) {
		s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
			return ch, func() {}
		}
	}
}

// Subscription is the handle of a running poll loop. It owns the ticker and
// the current snapshot; both are released by Stop.
type Subscription struct {
	cfg       Config
	base      *models.TreeNode
	logger    *logger.Logger
	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	latest  *Snapshot
	status  Status

	// deliverMu is held while a callback is checked for and dispatched, so
	// that Stop can wait out a dispatch that raced with it.
	deliverMu  sync.Mutex
	inCallback atomic.Bool
}

// Start validates cfg, builds the topology tree, and begins polling on a new
// goroutine: the first fetch happens immediately, then every cfg.Interval.
// Start does not block on the fetch. A malformed topology is returned as an
// error wrapping topology.ErrMalformedTopology.
func Start(ctx context.Context, cfg Config, opts ...Option) (*Subscription, error) {
	if cfg.GroupKey == "" {
		return nil, ErrEmptyGroupKey
	}
	if cfg.Fetcher == nil {
		return nil, ErrNoFetcher
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	records := make([]models.NodeRecord, len(cfg.Topology))
	copy(records, cfg.Topology)
	cfg.Topology = records

	base, err := topology.BuildTree(records)
	if err != nil {
		return nil, fmt.Errorf("starting status sync for group %q: %w", cfg.GroupKey, err)
	}

	s := &Subscription{
		cfg:    cfg,
		base:   base,
		logger: logger.From(cfg.Logger).WithComponent("statussync").WithGroupKey(cfg.GroupKey),
		now:    time.Now,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	ticks, stopTicker := s.newTicker(cfg.Interval)

	s.logger.Info("starting status sync",
		"interval", cfg.Interval,
		"nodes", len(records),
		"policy", cfg.Conflict.String(),
	)

	go s.run(ticks, stopTicker)
	return s, nil
}

func (s *Subscription) run(ticks <-chan time.Time, stopTicker func()) {
	defer close(s.done)
	defer stopTicker()

	s.tick()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("status sync loop exited")
			return
		case <-ticks:
			s.tick()
		}
	}
}

// tick runs one fetch-classify-rebuild cycle. Ticks never overlap because
// they all run on the loop goroutine.
func (s *Subscription) tick() {
	if s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.status.Ticks++
	n := s.status.Ticks
	s.mu.Unlock()

	events, err := s.fetch()
	if err != nil {
		s.fail(n, err)
		return
	}

	layer, err := Classify(events, ClassifyOptions{
		GroupKey: s.cfg.GroupKey,
		Labels:   s.cfg.Labels,
		Conflict: s.cfg.Conflict,
		Priority: s.cfg.Priority,
	})
	if err != nil {
		s.fail(n, err)
		return
	}

	layers := make([]Layer, 0, len(s.cfg.Overlays)+1)
	for _, src := range s.cfg.Overlays {
		if src.Layer != nil {
			layers = append(layers, src.Layer())
		}
	}
	layers = append(layers, layer)

	tree := topology.Annotate(s.base, Overlay(layers...), models.ClassificationUnset)
	snap := &Snapshot{
		GroupKey:        s.cfg.GroupKey,
		Tick:            n,
		Tree:            tree,
		Classifications: topology.Classifications(tree),
		FetchedAt:       s.now(),
	}

	s.deliver(func() {
		s.latest = snap
		s.status.ConsecutiveFailures = 0
		s.status.LastError = nil
		s.status.LastSuccess = snap.FetchedAt
	}, func() {
		if s.cfg.OnUpdate != nil {
			s.cfg.OnUpdate(snap)
		}
	})
}

func (s *Subscription) fetch() (events []models.EventRecord, err error) {
	ctx := s.ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("event fetcher panicked: %v", rec)
		}
	}()

	return s.cfg.Fetcher.FetchEvents(ctx, s.cfg.GroupKey)
}

// fail keeps the previous snapshot and reports the error on the side channel.
func (s *Subscription) fail(n uint64, cause error) {
	ferr := &FetchError{GroupKey: s.cfg.GroupKey, Tick: n, Err: cause}

	s.deliver(func() {
		s.status.ConsecutiveFailures++
		s.status.LastError = ferr
		s.logger.WithError(cause).Warn("status sync tick failed, keeping previous snapshot",
			"tick", n,
			"consecutive_failures", s.status.ConsecutiveFailures,
		)
	}, func() {
		if s.cfg.OnError != nil {
			s.cfg.OnError(ferr)
		}
	})
}

// deliver applies a tick result and dispatches its callback unless the
// subscription was stopped while the tick was in flight, in which case the
// result is discarded.
func (s *Subscription) deliver(apply, dispatch func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		s.logger.Debug("discarding tick result after stop")
		return
	}
	apply()
	s.mu.Unlock()

	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	dispatch()
}

// Latest returns the most recent snapshot, or nil before the first
// successful tick.
func (s *Subscription) Latest() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Status returns the loop's current health.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Stopped = s.stopped
	return st
}

// GroupKey returns the group this subscription classifies.
func (s *Subscription) GroupKey() string {
	return s.cfg.GroupKey
}

// Stop halts polling. No OnUpdate or OnError call starts after Stop returns,
// and a fetch still in flight has its result discarded. Stop is idempotent
// and safe to call from within a callback.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()

	// Wait for a dispatch that passed its stop check before we set the flag,
	// unless we are running inside that dispatch.
	if !s.inCallback.Load() {
		s.deliverMu.Lock()
		s.deliverMu.Unlock()
	}
	s.logger.Info("status sync stopped")
}

// Done is closed once the loop goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Name identifies the subscription for shutdown logging.
func (s *Subscription) Name() string {
	return "statussync:" + s.cfg.GroupKey
}

// Shutdown stops the subscription and waits for the loop to exit or ctx to
// expire.
func (s *Subscription) Shutdown(ctx context.Context) error {
	s.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
