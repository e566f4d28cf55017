// Package notify implements ledger.Notifier.
//
// Delivery is best effort. The ledger logs a failed Notify and moves on, so
// implementations return errors instead of retrying.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/civictrack/budget-ledger/ledger"
)

// Log writes each notification as a structured log line. It stands in for
// the email and in-app channels.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "notify").Logger()}
}

func (l *Log) Notify(_ context.Context, n ledger.Notification) error {
	l.log.Info().
		Str("kind", string(n.Kind)).
		Str("recipient", n.Recipient).
		Str("target_id", n.TargetID).
		Stringer("amount", n.Amount).
		Str("subject", n.Subject).
		Msg(n.Message)
	return nil
}

// Multi fans a notification out to every channel. Every channel is tried;
// failures are joined.
type Multi []ledger.Notifier

func (m Multi) Notify(ctx context.Context, n ledger.Notification) error {
	var errs []error
	for _, ch := range m {
		if err := ch.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to ledger.Notifier.
type Func func(ctx context.Context, n ledger.Notification) error

func (f Func) Notify(ctx context.Context, n ledger.Notification) error { return f(ctx, n) }
