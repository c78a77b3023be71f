package keylock_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/keylock"
)

func TestLockSerializesSameKey(t *testing.T) {
	tbl := keylock.New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := tbl.Lock("sender_1")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders of the same key = %d, want 1", maxActive)
	}
}

func TestLockAllowsDifferentKeysConcurrently(t *testing.T) {
	tbl := keylock.New()
	unlockA := tbl.Lock("sender_a")
	done := make(chan struct{})
	go func() {
		unlockB := tbl.Lock("sender_b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock() on a different key blocked behind an unrelated key's holder")
	}
	unlockA()
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	tbl := keylock.New()
	unlock := tbl.Lock("sender_idle")
	unlock()

	if n := tbl.Sweep(0); n != 1 {
		t.Errorf("Sweep(0) evicted %d entries, want 1", n)
	}
	if n := tbl.Sweep(0); n != 0 {
		t.Errorf("second Sweep(0) evicted %d entries, want 0 (already reaped)", n)
	}
}

func TestSweepKeepsFreshAndHeldEntries(t *testing.T) {
	tbl := keylock.New()
	unlock := tbl.Lock("sender_fresh")
	unlock()

	if n := tbl.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep(1h) evicted %d entries, want 0 (not idle long enough)", n)
	}

	unlockHeld := tbl.Lock("sender_held")
	defer unlockHeld()
	if n := tbl.Sweep(0); n != 1 {
		t.Errorf("Sweep(0) evicted %d entries, want 1 (only the idle one; the held lock must survive)", n)
	}
}
