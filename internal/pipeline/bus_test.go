package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dexohlc/internal/model"
)

func TestPriceBus_BroadcastsAndDropsForSlowSubscriber(t *testing.T) {
	b := NewPriceBus(1)
	var drops []string
	b.OnDrop = func(name string) { drops = append(drops, name) }

	fast, cancelFast := b.Subscribe("fast")
	slow, cancelSlow := b.Subscribe("slow")
	defer cancelSlow()

	b.Publish(model.PricePoint{Price: 1})
	<-fast
	b.Publish(model.PricePoint{Price: 2})

	assert.Equal(t, []string{"slow"}, drops)
	assert.Equal(t, 1.0, (<-slow).Price)
	assert.Equal(t, 2.0, (<-fast).Price)

	cancelFast()
	cancelFast()
	_, open := <-fast
	assert.False(t, open)
	assert.Equal(t, 1, b.Len())
}

func TestPriceBus_Close(t *testing.T) {
	b := NewPriceBus(4)
	ch, cancel := b.Subscribe("a")
	b.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	late, _ := b.Subscribe("late")
	_, open = <-late
	assert.False(t, open)
	b.Publish(model.PricePoint{})
}
