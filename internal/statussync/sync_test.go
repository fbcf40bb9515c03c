package statussync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func threeNodes() []models.NodeRecord {
	return []models.NodeRecord{
		{ID: 1, ParentID: models.RootParent},
		{ID: 2, ParentID: 1},
		{ID: 3, ParentID: 1},
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for status sync")
	}
	var zero T
	return zero
}

func TestStartDeliversAnnotatedTree(t *testing.T) {
	updates := make(chan *Snapshot, 1)
	fetcher := FetchFunc(func(ctx context.Context, groupKey string) ([]models.EventRecord, error) {
		return []models.EventRecord{
			{NodeID: 2, GroupKey: "app", Status: "done"},
			{NodeID: 3, GroupKey: "other", Status: "done"},
		}, nil
	})

	sub, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher:  fetcher,
		Topology: threeNodes(),
		Interval: time.Hour,
		Conflict: HighestPriority,
		Priority: models.DefaultPriority(),
		OnUpdate: func(s *Snapshot) { updates <- s },
	})
	require.NoError(t, err)
	defer sub.Stop()

	snap := recv(t, updates)
	assert.Equal(t, "app", snap.GroupKey)
	assert.Equal(t, uint64(1), snap.Tick)
	assert.Equal(t, map[models.NodeID]models.Classification{
		1: models.ClassificationUnset,
		2: models.ClassificationDone,
		3: models.ClassificationUnset,
	}, snap.Classifications)
	assert.Equal(t, 3, topology.Count(snap.Tree))
	assert.Same(t, snap, sub.Latest())
}

func TestStartRejectsBadConfig(t *testing.T) {
	fetcher := FetchFunc(func(context.Context, string) ([]models.EventRecord, error) { return nil, nil })

	_, err := Start(context.Background(), Config{Fetcher: fetcher, Topology: threeNodes()})
	assert.ErrorIs(t, err, ErrEmptyGroupKey)

	_, err = Start(context.Background(), Config{GroupKey: "app", Topology: threeNodes()})
	assert.ErrorIs(t, err, ErrNoFetcher)

	_, err = Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher:  fetcher,
		Topology: []models.NodeRecord{{ID: 1, ParentID: models.RootParent}, {ID: 2, ParentID: models.RootParent}},
	})
	assert.ErrorIs(t, err, topology.ErrMalformedTopology)
}

func TestFailedTickKeepsPreviousSnapshot(t *testing.T) {
	ticks := make(chan time.Time)
	updates := make(chan *Snapshot, 1)
	failures := make(chan error, 1)

	var calls atomic.Int32
	fetcher := FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("connection refused")
		}
		return []models.EventRecord{{NodeID: 3, GroupKey: "app", Status: models.StatusInstalling}}, nil
	})

	sub, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher:  fetcher,
		Topology: threeNodes(),
		OnUpdate: func(s *Snapshot) { updates <- s },
		OnError:  func(err error) { failures <- err },
	}, withTicks(ticks))
	require.NoError(t, err)
	defer sub.Stop()

	first := recv(t, updates)

	ticks <- time.Now()
	ferr := recv(t, failures)
	assert.ErrorIs(t, ferr, ErrFetchFailure)
	var fe *FetchError
	require.ErrorAs(t, ferr, &fe)
	assert.Equal(t, uint64(2), fe.Tick)
	assert.Same(t, first, sub.Latest())
	assert.Equal(t, 1, sub.Status().ConsecutiveFailures)

	ticks <- time.Now()
	third := recv(t, updates)
	assert.Equal(t, uint64(3), third.Tick)
	assert.Equal(t, first.Classifications, third.Classifications)
	assert.Equal(t, 0, sub.Status().ConsecutiveFailures)
	assert.NoError(t, sub.Status().LastError)
}

func TestFetcherPanicIsAFailedTick(t *testing.T) {
	failures := make(chan error, 1)
	sub, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher: FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
			panic("decoder blew up")
		}),
		Topology: threeNodes(),
		Interval: time.Hour,
		OnError:  func(err error) { failures <- err },
	})
	require.NoError(t, err)
	defer sub.Stop()

	assert.ErrorIs(t, recv(t, failures), ErrFetchFailure)
	assert.Nil(t, sub.Latest())
}

func TestStrictPolicyReportsAmbiguity(t *testing.T) {
	failures := make(chan error, 1)
	sub, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher: FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
			return []models.EventRecord{
				{NodeID: 2, GroupKey: "app", Status: models.StatusInstalling},
				{NodeID: 2, GroupKey: "app", Status: models.StatusInstalled},
			}, nil
		}),
		Topology: threeNodes(),
		Interval: time.Hour,
		Conflict: Strict,
		OnError:  func(err error) { failures <- err },
	})
	require.NoError(t, err)
	defer sub.Stop()

	err = recv(t, failures)
	assert.ErrorIs(t, err, ErrFetchFailure)
	assert.ErrorIs(t, err, ErrAmbiguousClassification)
}

func TestStopBeforeFirstFetchResolves(t *testing.T) {
	release := make(chan struct{})
	fetching := make(chan struct{})
	var updates atomic.Int32

	fetcher := FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
		close(fetching)
		// Ignores cancellation on purpose: the result arrives after Stop.
		<-release
		return []models.EventRecord{{NodeID: 2, GroupKey: "app", Status: models.StatusInstalled}}, nil
	})

	sub, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher:  fetcher,
		Topology: threeNodes(),
		Interval: time.Hour,
		OnUpdate: func(*Snapshot) { updates.Add(1) },
	})
	require.NoError(t, err)

	recv(t, fetching)
	sub.Stop()
	close(release)
	recv(t, sub.Done())

	assert.Nil(t, sub.Latest())
	assert.Equal(t, int32(0), updates.Load())
	assert.True(t, sub.Status().Stopped)
}

func TestStopIsIdempotent(t *testing.T) {
	ticks := make(chan time.Time, 4)
	var updates atomic.Int32
	first := make(chan struct{}, 1)

	sub, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher: FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
			return nil, nil
		}),
		Topology: threeNodes(),
		OnUpdate: func(*Snapshot) {
			updates.Add(1)
			select {
			case first <- struct{}{}:
			default:
			}
		},
	}, withTicks(ticks))
	require.NoError(t, err)

	recv(t, first)
	assert.NotPanics(t, func() {
		sub.Stop()
		sub.Stop()
	})
	after := updates.Load()

	ticks <- time.Now()
	ticks <- time.Now()
	recv(t, sub.Done())
	assert.Equal(t, after, updates.Load())
	assert.NoError(t, sub.Shutdown(context.Background()))
}

func TestStopFromCallback(t *testing.T) {
	var sub *Subscription
	var once sync.Once
	ready := make(chan struct{})
	stopped := make(chan struct{})

	s, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher: FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
			<-ready
			return nil, nil
		}),
		Topology: threeNodes(),
		Interval: time.Millisecond,
		OnUpdate: func(*Snapshot) {
			once.Do(func() {
				sub.Stop()
				close(stopped)
			})
		},
	})
	require.NoError(t, err)
	sub = s
	close(ready)

	recv(t, stopped)
	recv(t, sub.Done())
}

func TestTicksDoNotOverlap(t *testing.T) {
	var inFlight, maxInFlight, calls atomic.Int32
	enough := make(chan struct{})
	var once sync.Once

	sub, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher: FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(3 * time.Millisecond)
			if calls.Add(1) >= 5 {
				once.Do(func() { close(enough) })
			}
			return nil, nil
		}),
		Topology: threeNodes(),
		Interval: time.Millisecond,
	})
	require.NoError(t, err)

	recv(t, enough)
	sub.Stop()
	recv(t, sub.Done())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestOverlayRanksAboveEvents(t *testing.T) {
	updates := make(chan *Snapshot, 1)
	requested := Source{
		Name: "requested",
		Layer: func() Layer {
			return LayerFromIDs([]models.NodeID{2, 3}, models.ClassificationInProgress)
		},
	}

	sub, err := Start(context.Background(), Config{
		GroupKey: "app",
		Fetcher: FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
			return []models.EventRecord{
				{NodeID: 1, GroupKey: "app", Status: models.StatusInstalled},
				{NodeID: 2, GroupKey: "app", Status: models.StatusInstalled},
			}, nil
		}),
		Topology: threeNodes(),
		Interval: time.Hour,
		Overlays: []Source{requested},
		OnUpdate: func(s *Snapshot) { updates <- s },
	})
	require.NoError(t, err)
	defer sub.Stop()

	snap := recv(t, updates)
	assert.Equal(t, map[models.NodeID]models.Classification{
		1: models.ClassificationDone,
		2: models.ClassificationInProgress,
		3: models.ClassificationInProgress,
	}, snap.Classifications)
}

func TestParentContextCancelsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := Start(ctx, Config{
		GroupKey: "app",
		Fetcher: FetchFunc(func(context.Context, string) ([]models.EventRecord, error) {
			return nil, nil
		}),
		Topology: threeNodes(),
		Interval: time.Millisecond,
	})
	require.NoError(t, err)

	cancel()
	recv(t, sub.Done())
	sub.Stop()
}

type lockedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *lockedWriter) firstLine() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	line, _, _ := bytes.Cut(w.buf.Bytes(), []byte("\n"))
	return append([]byte(nil), line...)
}

func TestLogsCarryComponentAndGroup(t *testing.T) {
	var out lockedWriter
	sub, err := Start(context.Background(), Config{
		GroupKey: "canary",
		Fetcher:  FetchFunc(func(context.Context, string) ([]models.EventRecord, error) { return nil, nil }),
		Topology: threeNodes(),
		Interval: time.Hour,
		Logger:   slog.New(slog.NewJSONHandler(&out, nil)),
	})
	require.NoError(t, err)
	defer sub.Stop()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.firstLine(), &entry))
	assert.Equal(t, "starting status sync", entry["msg"])
	assert.Equal(t, "statussync", entry["component"])
	assert.Equal(t, "canary", entry["group_key"])
}
