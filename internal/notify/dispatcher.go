package notify

import (
	"context"
	"log/slog"
	"sync"

	"threatflow/internal/workflow"
)

// Dispatcher routes notification records to their requested channels.
// Delivery is best effort: a channel failure is logged, never returned to
// the workflow engine.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
}

// NewDispatcher creates a dispatcher with no channels.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger.With("component", "notify"),
		channels: make(map[string]Channel),
	}
}

// Register adds a channel. Registering the same name twice replaces the
// previous channel.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
}

// Dispatch delivers a record to its requested channels, or to every
// registered channel when the record names none.
func (d *Dispatcher) Dispatch(ctx context.Context, rec workflow.NotificationRecord) {
	for _, ch := range d.resolve(rec.Channels) {
		if err := ch.Send(ctx, rec); err != nil {
			d.logger.Warn("notification delivery failed",
				"channel", ch.Name(),
				"execution_id", rec.ExecutionID,
				"error", err)
		}
	}
}

func (d *Dispatcher) resolve(names []string) []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(names) == 0 {
		out := make([]Channel, 0, len(d.channels))
		for _, ch := range d.channels {
			out = append(out, ch)
		}
		return out
	}

	var out []Channel
	for _, name := range names {
		ch, ok := d.channels[name]
		if !ok {
			d.logger.Warn("unknown notification channel", "channel", name)
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Store decorates a workflow store so that persisted notifications are
// also delivered through the dispatcher.
type Store struct {
	workflow.Store
	dispatcher *Dispatcher
}

// NewStore wraps a workflow store with notification delivery.
func NewStore(inner workflow.Store, dispatcher *Dispatcher) *Store {
	return &Store{Store: inner, dispatcher: dispatcher}
}

// SaveNotification persists the record, then delivers it.
func (s *Store) SaveNotification(ctx context.Context, rec workflow.NotificationRecord) error {
	if err := s.Store.SaveNotification(ctx, rec); err != nil {
		return err
	}
	s.dispatcher.Dispatch(ctx, rec)
	return nil
}
