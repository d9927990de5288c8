package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier shows an alert to the user. Delivery is best effort.
type Notifier interface {
	Show(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Show(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogNotifier writes alerts to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Show(_ context.Context, a Alert) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("alert",
		slog.String("tag", a.Tag),
		slog.String("item_id", a.ItemID),
		slog.Int("threshold", a.Threshold),
		slog.String("body", a.Body))
	return nil
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

func (m Multi) Show(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Show(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
