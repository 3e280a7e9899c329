package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/imapsync/internal/model"
)

func TestFanoutDeliversToEverySubscriber(t *testing.T) {
	f := NewFanout()
	a, cancelA := f.Subscribe(4)
	b, cancelB := f.Subscribe(4)
	defer cancelB()

	f.Notify(model.Notification{ID: "1", Kind: model.NotifyNewUnread})
	assert.Equal(t, "1", (<-a).ID)
	assert.Equal(t, "1", (<-b).ID)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	f.Notify(model.Notification{ID: "2"})
	assert.Equal(t, "2", (<-b).ID)
}

func TestFanoutDropsWhenFull(t *testing.T) {
	f := NewFanout()
	ch, cancel := f.Subscribe(1)
	defer cancel()

	f.Notify(model.Notification{ID: "1"})
	f.Notify(model.Notification{ID: "2"})

	require.Len(t, ch, 1)
	assert.Equal(t, "1", (<-ch).ID)
	assert.Equal(t, 1, f.Dropped())
}
