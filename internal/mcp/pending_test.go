package mcp

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPendingResolve(t *testing.T) {
	p := NewPendingTable(time.Second)
	defer p.Close()

	got := make(chan json.RawMessage, 1)
	if err := p.Register("1", func(m json.RawMessage) { got <- m }, func(error) { t.Error("unexpected reject") }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := p.Register("1", nil, nil); !errors.Is(err, ErrDuplicateRequestID) {
		t.Errorf("expected ErrDuplicateRequestID, got %v", err)
	}

	if !p.ResolveIfPending("1", json.RawMessage(`{"ok":true}`)) {
		t.Fatal("ResolveIfPending returned false for a tracked id")
	}
	if string(<-got) != `{"ok":true}` {
		t.Error("wrong message delivered")
	}
	if p.ResolveIfPending("1", nil) {
		t.Error("second resolve must report false")
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d", p.Len())
	}
}

func TestPendingTimeoutCleanup(t *testing.T) {
	p := NewPendingTable(0)
	defer p.Close()

	rejected := make(chan error, 1)
	if err := p.RegisterWithTimeout("1", 10*time.Millisecond, func(json.RawMessage) {
		t.Error("late resolve delivered")
	}, func(err error) { rejected <- err }); err != nil {
		t.Fatalf("RegisterWithTimeout: %v", err)
	}

	select {
	case err := <-rejected:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("expected ErrRequestTimeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	time.Sleep(10 * time.Millisecond)
	if p.ResolveIfPending("1", json.RawMessage(`{}`)) {
		t.Error("late response must not resolve a timed-out entry")
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after timeout", p.Len())
	}
}

func TestPendingSingleFire(t *testing.T) {
	p := NewPendingTable(time.Second)
	defer p.Close()

	for i := 0; i < 50; i++ {
		var fired atomic.Int32
		id := "race"
		if err := p.RegisterWithTimeout(id, time.Millisecond,
			func(json.RawMessage) { fired.Add(1) },
			func(error) { fired.Add(1) }); err != nil {
			t.Fatalf("Register: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); p.ResolveIfPending(id, nil) }()
		go func() { defer wg.Done(); p.RejectIfPending(id, errors.New("x")) }()
		wg.Wait()
		time.Sleep(3 * time.Millisecond)

		if n := fired.Load(); n != 1 {
			t.Fatalf("iteration %d: callbacks fired %d times", i, n)
		}
	}
}

func TestPendingClose(t *testing.T) {
	p := NewPendingTable(time.Minute)
	rejected := make(chan error, 2)
	_ = p.Register("a", nil, func(err error) { rejected <- err })
	_ = p.Register("b", nil, func(err error) { rejected <- err })

	p.Close()
	for i := 0; i < 2; i++ {
		if err := <-rejected; !errors.Is(err, ErrPendingClosed) {
			t.Errorf("expected ErrPendingClosed, got %v", err)
		}
	}
	if err := p.Register("c", nil, nil); !errors.Is(err, ErrPendingClosed) {
		t.Errorf("register after close: %v", err)
	}
}
