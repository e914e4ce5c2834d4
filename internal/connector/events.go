package connector

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LifecycleEventType classifies connector lifecycle notifications.
type LifecycleEventType string

const (
	EventConnected    LifecycleEventType = "connected"
	EventDisconnected LifecycleEventType = "disconnected"
	EventHealthCheck  LifecycleEventType = "health_check"
	EventError        LifecycleEventType = "error"
)

// LifecycleEvent is emitted when a connector's state changes.
type LifecycleEvent struct {
	IntegrationID uuid.UUID          `json:"integration_id"`
	Kind          string             `json:"kind"`
	Type          LifecycleEventType `json:"type"`
	Timestamp     time.Time          `json:"timestamp"`
	Detail        string             `json:"detail,omitempty"`
}

// Observer receives lifecycle events. Observers must not block.
type Observer func(event LifecycleEvent)

// Emitter dispatches lifecycle events to registered observers in
// registration order. Emission order is preserved per connector; no
// ordering is guaranteed across connectors.
type Emitter struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEmitter creates an emitter with no observers.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers an observer.
func (e *Emitter) Subscribe(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, obs)
}

// Emit delivers an event to all observers synchronously.
func (e *Emitter) Emit(event LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()

	for _, obs := range observers {
		obs(event)
	}
}
