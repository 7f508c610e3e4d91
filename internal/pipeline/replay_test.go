package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dexohlc/internal/model"
)

func seqs(points []model.PricePoint) []uint64 {
	out := make([]uint64, 0, len(points))
	for _, p := range points {
		out = append(out, p.Seq)
	}
	return out
}

func TestReplayBuffer_Range(t *testing.T) {
	rb := NewReplayBuffer(100)
	for i := uint64(1); i <= 10; i++ {
		rb.Push(model.PricePoint{Seq: i})
	}
	assert.Equal(t, []uint64{3, 4, 5, 6, 7}, seqs(rb.Range(3, 7)))
	assert.Equal(t, []uint64{9, 10}, seqs(rb.Range(9, 0)))
	assert.Empty(t, rb.Range(11, 0))
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(5)
	for i := uint64(1); i <= 8; i++ {
		rb.Push(model.PricePoint{Seq: i})
	}
	assert.Equal(t, 5, rb.Len())
	assert.Equal(t, []uint64{4, 5, 6, 7, 8}, seqs(rb.Range(1, 0)))
}
