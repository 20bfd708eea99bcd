// Package heartbeat keeps a queue lease alive while a message is being
// processed. One Heartbeat is bound to one lease; it renews on a fixed period
// and watches an optional liveness predicate. When either the renewal or the
// predicate fails, the LeaseLost channel closes so the work loop can bail out
// instead of running without ownership.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RenewFunc extends the lease. ok false means the lease is gone.
type RenewFunc func(ctx context.Context) (ok bool, err error)

// LivenessFunc reports whether the work guarded by the lease should keep
// running (for example, "is the owning task not cancelled").
type LivenessFunc func(ctx context.Context) (alive bool, err error)

type Heartbeat struct {
	period time.Duration
	renew  RenewFunc
	alive  LivenessFunc

	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
}

// Start launches the renewal loop. period must be strictly positive; alive
// may be nil.
func Start(ctx context.Context, period time.Duration, renew RenewFunc, alive LivenessFunc) (*Heartbeat, error) {
	if period <= 0 {
		return nil, fmt.Errorf("heartbeat period must be strictly positive, got %v", period)
	}
	if renew == nil {
		return nil, fmt.Errorf("heartbeat needs a renew function")
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		period: period,
		renew:  renew,
		alive:  alive,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go h.run(ctx)
	return h, nil
}

// LeaseLost closes when the lease could not be kept. It never closes after a
// plain Stop.
func (h *Heartbeat) LeaseLost() <-chan struct{} { return h.lost }

// Stop halts renewals and waits for the loop to exit, so no renewal can race
// past disposal.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if h.alive != nil {
			alive, err := h.alive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("heartbeat liveness check failed: %v", err)
				close(h.lost)
				return
			}
			if !alive {
				close(h.lost)
				return
			}
		}
		ok, err := h.renew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("heartbeat renewal failed: %v", err)
			close(h.lost)
			return
		}
		if !ok {
			close(h.lost)
			return
		}
	}
}
