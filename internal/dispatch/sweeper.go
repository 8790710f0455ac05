package dispatch

import (
	"context"
	"log/slog"
	"time"
)

const sweepBatch = 100

// Sweep re-dispatches events that were stored but never reached the queue,
// for example because the enqueue after the insert failed. Events younger
// than grace are left to the request that is still handling them.
func (d *Dispatcher) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	events, err := d.events.ListUndispatched(ctx, time.Now().Add(-grace), sweepBatch)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range events {
		ev := &events[i]
		slog.Info("catch-up: dispatching undispatched event", "event_uid", ev.UID)
		if err := d.Dispatch(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx, grace); err != nil {
				slog.Error("sweep undispatched events error", "error", err)
			}
		}
	}
}
