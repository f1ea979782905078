package node

import (
	"testing"
	"time"
)

func TestControlTimer(t *testing.T) {
	timer := NewHeartbeatTimer()
	go timer.Run(10 * time.Millisecond)
	defer timer.Shutdown()

	select {
	case <-timer.tickCh:
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}

	// no further tick until the timer is reset
	select {
	case <-timer.tickCh:
		t.Fatal("unexpected tick")
	case <-time.After(50 * time.Millisecond):
	}

	if !timer.Reset(10 * time.Millisecond) {
		t.Fatal("reset refused")
	}

	select {
	case <-timer.tickCh:
	case <-time.After(time.Second):
		t.Fatal("no tick after reset")
	}
}

func TestControlTimerShutdown(t *testing.T) {
	timer := NewHeartbeatTimer()
	done := make(chan struct{})
	go func() {
		timer.Run(time.Millisecond)
		close(done)
	}()

	// Run is blocked delivering a tick nobody reads
	time.Sleep(20 * time.Millisecond)
	timer.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	if timer.Reset(time.Millisecond) {
		t.Fatal("reset accepted after shutdown")
	}
}
