package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dexohlc/internal/notification"
)

// StopFunc is a shutdown callback registered with EmergencyStop.
type StopFunc func(ctx context.Context) error

// EmergencyStop forces an orderly shutdown once, from any goroutine.
// Callbacks run in registration order after a CRITICAL alert is sent.
type EmergencyStop struct {
	notifier notification.Notifier
	service  string
	log      zerolog.Logger
	timeout  time.Duration

	mu        sync.Mutex
	callbacks []namedStop
	once      sync.Once
	reason    string
	at        time.Time
	done      chan struct{}
}

type namedStop struct {
	name string
	fn   StopFunc
}

// NewEmergencyStop creates a trigger alerting through n. timeout bounds
// the alert and every callback.
func NewEmergencyStop(n notification.Notifier, service string, timeout time.Duration, log zerolog.Logger) *EmergencyStop {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EmergencyStop{
		notifier: n,
		service:  service,
		log:      log,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

// Register adds a shutdown callback.
func (e *EmergencyStop) Register(name string, fn StopFunc) {
	e.mu.Lock()
	e.callbacks = append(e.callbacks, namedStop{name: name, fn: fn})
	e.mu.Unlock()
}

// Trigger fires the stop. Only the first call has any effect; it returns
// true for that call and blocks until every callback has run.
func (e *EmergencyStop) Trigger(reason string) bool {
	fired := false
	e.once.Do(func() {
		fired = true
		e.fire(reason)
	})
	return fired
}

func (e *EmergencyStop) fire(reason string) {
	e.mu.Lock()
	e.reason = reason
	e.at = time.Now().UTC()
	callbacks := append([]namedStop(nil), e.callbacks...)
	e.mu.Unlock()

	e.log.Error().Str("reason", reason).Int("callbacks", len(callbacks)).Msg("EMERGENCY STOP")

	if e.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		err := e.notifier.Send(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "Emergency stop",
			Message: reason,
			Service: e.service,
			Time:    e.at,
		})
		cancel()
		if err != nil {
			e.log.Error().Err(err).Msg("emergency alert failed")
		}
	}

	for _, cb := range callbacks {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := cb.fn(ctx); err != nil {
			e.log.Error().Err(err).Str("callback", cb.name).Msg("emergency stop callback failed")
		}
		cancel()
	}
	close(e.done)
}

// Triggered reports whether the stop fired and why.
func (e *EmergencyStop) Triggered() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.at.IsZero(), e.reason
}

// Done is closed after a triggered stop has run every callback.
func (e *EmergencyStop) Done() <-chan struct{} {
	return e.done
}
