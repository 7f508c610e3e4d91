package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"dexohlc/internal/notification"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, alert notification.Alert) error {
	return m.Called(ctx, alert).Error(0)
}

func TestEmergencyStop_AlertsThenRunsCallbacksOnce(t *testing.T) {
	n := &mockNotifier{}
	n.On("Send", mock.Anything, mock.MatchedBy(func(a notification.Alert) bool {
		return a.Level == notification.AlertCritical && a.Message == "node gone" && a.Service == "dexohlc"
	})).Return(nil).Once()

	es := NewEmergencyStop(n, "dexohlc", time.Second, zerolog.New(io.Discard))
	var mu sync.Mutex
	var order []string
	for _, name := range []string{"pipeline", "metrics"} {
		name := name
		es.Register(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	assert.True(t, es.Trigger("node gone"))
	assert.False(t, es.Trigger("again"))

	select {
	case <-es.Done():
	default:
		t.Fatal("done not closed after trigger")
	}
	fired, reason := es.Triggered()
	assert.True(t, fired)
	assert.Equal(t, "node gone", reason)
	assert.Equal(t, []string{"pipeline", "metrics"}, order)
	n.AssertExpectations(t)
}

func TestEmergencyStop_AlertFailureStillStops(t *testing.T) {
	n := &mockNotifier{}
	n.On("Send", mock.Anything, mock.Anything).Return(errors.New("webhook down"))

	es := NewEmergencyStop(n, "dexohlc", time.Second, zerolog.New(io.Discard))
	stopped := false
	es.Register("pipeline", func(context.Context) error { stopped = true; return errors.New("already stopped") })

	es.Trigger("manual")
	assert.True(t, stopped)
	n.AssertNumberOfCalls(t, "Send", 1)
}
