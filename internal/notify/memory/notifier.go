// Package memory contains an in-process notifier that also wakes the pass loop.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// Notifier records notifications and signals waiters on request enqueue.
type Notifier struct {
	mu            sync.RWMutex
	notifications []registration.Notification
	wake          chan struct{}
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{wake: make(chan struct{}, 1)}
}

// Notify records n. Queued requests also signal Wake without blocking.
func (m *Notifier) Notify(_ context.Context, n registration.Notification) error {
	m.mu.Lock()
	m.notifications = append(m.notifications, n)
	m.mu.Unlock()

	if n.Kind == registration.NotifyRequestQueued {
		m.Signal()
	}
	return nil
}

// Signal requests a wake-up. Pending signals coalesce.
func (m *Notifier) Signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Wake fires after requests were queued.
func (m *Notifier) Wake() <-chan struct{} {
	return m.wake
}

// Notifications returns the recorded notifications.
func (m *Notifier) Notifications() []registration.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]registration.Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}
