package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

func TestLocalBroker_FanOut(t *testing.T) {
	b := NewLocalBroker()
	all, unsubAll, err := b.SubscribeAll()
	require.NoError(t, err)
	defer unsubAll()
	mont, unsubMont, err := b.SubscribeKind(core.KindMontesinos)
	require.NoError(t, err)
	defer unsubMont()

	require.NoError(t, b.PublishJobEvent(core.NewJobEvent(core.EventJobLeased, "j1", core.KindMontesinos, "alice")))
	require.NoError(t, b.PublishJobEvent(core.NewJobEvent(core.EventJobLeased, "j2", "other", "alice")))

	assert.Equal(t, "j1", (<-all).JobID)
	assert.Equal(t, "j2", (<-all).JobID)
	assert.Equal(t, "j1", (<-mont).JobID)
	assert.Empty(t, mont)
}

func TestLocalBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := NewLocalBroker()
	ch, unsub, err := b.SubscribeAll()
	require.NoError(t, err)

	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)

	require.NoError(t, b.PublishJobEvent(core.NewJobEvent(core.EventJobStored, "j1", core.KindMontesinos, "")))
}

func TestLocalBroker_DropsWhenFull(t *testing.T) {
	b := NewLocalBroker()
	ch, unsub, err := b.SubscribeAll()
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.PublishJobEvent(core.NewJobEvent(core.EventJobEnqueued, "j", core.KindMontesinos, "")))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestLocalBroker_Close(t *testing.T) {
	b := NewLocalBroker()
	ch, unsub, err := b.SubscribeAll()
	require.NoError(t, err)
	require.NoError(t, b.Close())
	_, open := <-ch
	assert.False(t, open)
	unsub()
}
