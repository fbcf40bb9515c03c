package rollout

import (
	"testing"

	"github.com/narvanalabs/topology-console/internal/statussync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(group string, tick uint64) *statussync.Snapshot {
	return &statussync.Snapshot{GroupKey: group, Tick: tick}
}

func drain(sub *Subscriber) []Update {
	var out []Update
	for {
		select {
		case u := <-sub.Ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestBrokerRoutesByGroup(t *testing.T) {
	b := NewBroker(nil)
	app := b.Subscribe("app", nil)
	db := b.Subscribe("db", nil)
	assert.Equal(t, 2, b.SubscriberCount(""))
	assert.Equal(t, 1, b.SubscriberCount("app"))
	assert.NotEqual(t, app.ID, db.ID)

	b.Publish("app", Update{Snapshot: snap("app", 1)})

	got := drain(app)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Snapshot.Tick)
	assert.Empty(t, drain(db))
}

func TestBrokerSkipsOnlyTheSeedSnapshot(t *testing.T) {
	b := NewBroker(nil)
	seed := snap("app", 3)
	sub := b.Subscribe("app", func() *statussync.Snapshot { return seed })

	b.Publish("app", Update{Snapshot: seed})
	b.Publish("app", Update{Err: assert.AnError})
	b.Publish("app", Update{Snapshot: snap("app", 4)})

	got := drain(sub)
	require.Len(t, got, 3)
	assert.Same(t, seed, got[0].Snapshot)
	assert.ErrorIs(t, got[1].Err, assert.AnError)
	assert.Equal(t, uint64(4), got[2].Snapshot.Tick)
}

func TestBrokerDeliversTicksOfRestartedSync(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("app", nil)

	// A stopped sync's last tick followed by a new sync counting from 1.
	b.Publish("app", Update{Snapshot: snap("app", 7)})
	for tick := uint64(1); tick <= 3; tick++ {
		b.Publish("app", Update{Snapshot: snap("app", tick)})
	}

	got := drain(sub)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(3), got[3].Snapshot.Tick)
}

func TestBrokerSubscribeAfterCloseAll(t *testing.T) {
	b := NewBroker(nil)
	b.CloseAll()

	sub := b.Subscribe("app", func() *statussync.Snapshot { return snap("app", 1) })
	_, ok := <-sub.Ch
	assert.False(t, ok)
	assert.Zero(t, b.SubscriberCount(""))
	b.Unsubscribe(sub)
}

func TestBrokerDropsOldestWhenFull(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("app", nil)

	total := subscriberBuffer + 3
	for i := 1; i <= total; i++ {
		b.Publish("app", Update{Snapshot: snap("app", uint64(i))})
	}

	got := drain(sub)
	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, uint64(4), got[0].Snapshot.Tick)
	assert.Equal(t, uint64(total), got[len(got)-1].Snapshot.Tick)
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("app", nil)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub.Ch
	assert.False(t, ok)
	assert.Zero(t, b.SubscriberCount("app"))

	b.Publish("app", Update{Snapshot: snap("app", 1)})
}
