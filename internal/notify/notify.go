// Package notify delivers fired alerts to the configured sinks and tracks
// which sinks accepted each notification so a retry only resends to the
// sinks that missed it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/metrics"
	"github.com/gustycube/osintd/internal/types"
)

// Sink is a delivery channel for notifications.
type Sink interface {
	Name() string
	Send(ctx context.Context, n types.Notification) error
}

// Drainer is a sink holding deliveries it could not complete, such as a
// webhook spool.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// DeliveryStore records delivery progress.
type DeliveryStore interface {
	DeliveredSinks(ctx context.Context, id string) (map[string]bool, error)
	RecordDelivery(ctx context.Context, id, sink string) error
	MarkDelivered(ctx context.Context, id string) error
	MarkDeliveryFailed(ctx context.Context, id, reason string) error
	Undelivered(ctx context.Context, limit int) ([]types.Notification, error)
}

// Dispatcher fans notifications out to every sink.
type Dispatcher struct {
	sinks []Sink
	store DeliveryStore
	log   *logging.Logger
}

// NewDispatcher returns a Dispatcher fanning notifications out to sinks.
func NewDispatcher(store DeliveryStore, log *logging.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{sinks: sinks, store: store, log: log.With("component", "notify")}
}

// Sinks returns the sink names in dispatch order.
func (d *Dispatcher) Sinks() []string {
	out := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Dispatch sends n to each sink that has not accepted it yet. A sink
// failure does not stop delivery to the others; the notification stays
// undelivered until every sink has accepted it.
func (d *Dispatcher) Dispatch(ctx context.Context, n types.Notification) error {
	done := map[string]bool{}
	if d.store != nil {
		var err error
		if done, err = d.store.DeliveredSinks(ctx, n.ID); err != nil {
			return err
		}
	}

	var errs []error
	for _, s := range d.sinks {
		name := s.Name()
		if done[name] {
			continue
		}
		if err := s.Send(ctx, n); err != nil {
			metrics.Notifications.WithLabelValues(name, "error").Inc()
			d.log.Warnw("notification delivery failed", "sink", name, "alert", n.AlertName, "id", n.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.Notifications.WithLabelValues(name, "ok").Inc()
		if d.store != nil {
			if err := d.store.RecordDelivery(ctx, n.ID, name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if d.store == nil {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		reason := make([]string, 0, len(errs))
		for _, e := range errs {
			reason = append(reason, e.Error())
		}
		if err := d.store.MarkDeliveryFailed(ctx, n.ID, strings.Join(reason, "; ")); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return d.store.MarkDelivered(ctx, n.ID)
}

// Redeliver retries notifications left undelivered by earlier runs and
// drains sink spools. It returns the number of notifications fully
// delivered.
func (d *Dispatcher) Redeliver(ctx context.Context) (int, error) {
	for _, s := range d.sinks {
		if dr, ok := s.(Drainer); ok {
			sent, err := dr.Drain(ctx)
			if err != nil {
				d.log.Warnw("drain failed", "sink", s.Name(), "err", err)
			} else if sent > 0 {
				d.log.Infow("drained spool", "sink", s.Name(), "sent", sent)
			}
		}
	}
	if d.store == nil {
		return 0, nil
	}
	pending, err := d.store.Undelivered(ctx, 0)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := d.Dispatch(ctx, n); err == nil {
			delivered++
		}
	}
	return delivered, nil
}

// Close releases sinks that hold resources.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
