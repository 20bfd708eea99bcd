package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartValidation(t *testing.T) {
	renew := func(context.Context) (bool, error) { return true, nil }
	if _, err := Start(context.Background(), 0, renew, nil); err == nil {
		t.Fatalf("zero period must be rejected")
	}
	if _, err := Start(context.Background(), -time.Second, renew, nil); err == nil {
		t.Fatalf("negative period must be rejected")
	}
	if _, err := Start(context.Background(), time.Second, nil, nil); err == nil {
		t.Fatalf("nil renew must be rejected")
	}
}

func TestHeartbeatRenewsOnPeriod(t *testing.T) {
	var renewals int32
	h, err := Start(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
		atomic.AddInt32(&renewals, 1)
		return true, nil
	}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	h.Stop()
	if n := atomic.LoadInt32(&renewals); n < 3 {
		t.Fatalf("expected several renewals, got %d", n)
	}

	select {
	case <-h.LeaseLost():
		t.Fatalf("plain stop must not report a lost lease")
	default:
	}
}

func TestStopPreventsFurtherRenewals(t *testing.T) {
	var renewals int32
	h, err := Start(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
		atomic.AddInt32(&renewals, 1)
		return true, nil
	}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	h.Stop() // waits for the loop to exit
	after := atomic.LoadInt32(&renewals)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&renewals); got != after {
		t.Fatalf("renewals continued after Stop: %d -> %d", after, got)
	}
}

func TestLeaseLostOnFailedRenewal(t *testing.T) {
	h, err := Start(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()
	select {
	case <-h.LeaseLost():
	case <-time.After(time.Second):
		t.Fatalf("lost lease must be reported")
	}
}

func TestLeaseLostOnRenewError(t *testing.T) {
	h, err := Start(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
		return false, errors.New("backend down")
	}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()
	select {
	case <-h.LeaseLost():
	case <-time.After(time.Second):
		t.Fatalf("renewal error must surface as a lost lease")
	}
}

func TestLivenessPredicateStopsWork(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	h, err := Start(context.Background(), 5*time.Millisecond,
		func(context.Context) (bool, error) { return true, nil },
		func(context.Context) (bool, error) { return alive.Load(), nil },
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()

	select {
	case <-h.LeaseLost():
		t.Fatalf("lease must hold while alive")
	case <-time.After(25 * time.Millisecond):
	}
	alive.Store(false)
	select {
	case <-h.LeaseLost():
	case <-time.After(time.Second):
		t.Fatalf("dead liveness predicate must end the lease")
	}
}
