package api

import (
	"context"
	"sync"
	"time"

	"github.com/narvanalabs/topology-console/internal/models"
)

// DefaultTopologyTTL is the default time-to-live for cached topology.
const DefaultTopologyTTL = 30 * time.Second

// NodeLister returns the flat node registry.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]models.NodeRecord, error)
}

// TopologyCache caches the node registry so that opening a view does not
// always hit the API. A failed refresh serves the stale copy when there is
// one.
type TopologyCache struct {
	source NodeLister
	ttl    time.Duration
	now    func() time.Time

	mu          sync.RWMutex
	nodes       []models.NodeRecord
	lastFetched time.Time
}

// NewTopologyCache creates a topology cache over source with the specified
// TTL.
func NewTopologyCache(source NodeLister, ttl time.Duration) *TopologyCache {
	if ttl <= 0 {
		ttl = DefaultTopologyTTL
	}
	return &TopologyCache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Get returns the cached registry, fetching it if expired or not cached.
// Callers receive their own copy.
func (tc *TopologyCache) Get(ctx context.Context) ([]models.NodeRecord, error) {
	tc.mu.RLock()
	if tc.nodes != nil && tc.now().Sub(tc.lastFetched) < tc.ttl {
		nodes := cloneNodes(tc.nodes)
		tc.mu.RUnlock()
		return nodes, nil
	}
	tc.mu.RUnlock()

	tc.mu.Lock()
	defer tc.mu.Unlock()

	// Double-check after acquiring write lock
	if tc.nodes != nil && tc.now().Sub(tc.lastFetched) < tc.ttl {
		return cloneNodes(tc.nodes), nil
	}

	nodes, err := tc.source.ListNodes(ctx)
	if err != nil {
		if tc.nodes != nil {
			return cloneNodes(tc.nodes), nil
		}
		return nil, err
	}
	if nodes == nil {
		nodes = []models.NodeRecord{}
	}

	tc.nodes = nodes
	tc.lastFetched = tc.now()
	return cloneNodes(nodes), nil
}

// Invalidate clears the cache, forcing a refresh on next access.
func (tc *TopologyCache) Invalidate() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.nodes = nil
	tc.lastFetched = time.Time{}
}

func cloneNodes(nodes []models.NodeRecord) []models.NodeRecord {
	out := make([]models.NodeRecord, len(nodes))
	copy(out, nodes)
	return out
}
