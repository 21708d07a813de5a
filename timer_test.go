package xmodem

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerServiceFires(t *testing.T) {
	var ts timerService
	var fired int32
	ts.arm(10*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("timer did not fire")
	}
}

func TestTimerServiceCancelIsNoOp(t *testing.T) {
	var ts timerService
	var fired int32
	ts.arm(10*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	ts.cancel()
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("cancelled timer fired anyway")
	}
}

func TestTimerServiceRearmCancelsPrevious(t *testing.T) {
	var ts timerService
	var fireCount int32
	ts.arm(10*time.Millisecond, func() { atomic.AddInt32(&fireCount, 1) })
	ts.arm(20*time.Millisecond, func() { atomic.AddInt32(&fireCount, 1) })
	time.Sleep(60 * time.Millisecond)
	if n := atomic.LoadInt32(&fireCount); n != 1 {
		t.Fatalf("expected exactly one fire after rearm, got %d", n)
	}
}

func TestTimerServiceShutdownDrains(t *testing.T) {
	var ts timerService
	ts.arm(5*time.Millisecond, func() { time.Sleep(5 * time.Millisecond) })
	time.Sleep(2 * time.Millisecond) // let it start running
	ts.shutdown()
	// shutdown must not return until the in-flight callback is done.
}
