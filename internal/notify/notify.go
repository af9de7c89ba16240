// Package notify delivers change notifications emitted after the runner or
// the enqueue service commits.
package notify

import (
	"context"
	"errors"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// Fanout delivers each notification to every wrapped notifier.
type Fanout []registration.Notifier

// NewFanout drops nil notifiers.
func NewFanout(notifiers ...registration.Notifier) Fanout {
	out := make(Fanout, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Notify implements registration.Notifier. Every notifier is attempted.
func (f Fanout) Notify(ctx context.Context, n registration.Notification) error {
	var errs []error
	for _, notifier := range f {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
