package supervisor

import (
	"syscall"
	"testing"
	"time"
)

func TestRouterCoalescesAdjacentScales(t *testing.T) {
	r := newRouter(testLogger())

	r.push(command{kind: kindScale, delta: 1})
	r.push(command{kind: kindScale, delta: 1})
	r.push(command{kind: kindScale, delta: -1})

	cmds := r.drain()
	if len(cmds) != 1 {
		t.Fatalf("queue length = %d, want 1 coalesced command", len(cmds))
	}
	if cmds[0].delta != 1 {
		t.Errorf("delta = %d, want 1", cmds[0].delta)
	}
}

func TestRouterScaleToKeepsLatestTarget(t *testing.T) {
	r := newRouter(testLogger())

	r.push(command{kind: kindScaleTo, target: 4})
	r.push(command{kind: kindScaleTo, target: 8})

	cmds := r.drain()
	if len(cmds) != 1 {
		t.Fatalf("queue length = %d, want 1", len(cmds))
	}
	if cmds[0].target != 8 {
		t.Errorf("target = %d, want 8", cmds[0].target)
	}
}

func TestRouterCollapsesDuplicateRollingAndShutdown(t *testing.T) {
	r := newRouter(testLogger())

	r.push(command{kind: kindRolling})
	r.push(command{kind: kindRolling})
	r.push(command{kind: kindShutdown, graceful: true})
	r.push(command{kind: kindShutdown, graceful: true})

	cmds := r.drain()
	if len(cmds) != 2 {
		t.Fatalf("queue length = %d, want 2", len(cmds))
	}
	if cmds[0].kind != kindRolling || cmds[1].kind != kindShutdown {
		t.Errorf("kinds = %v, %v, want rolling then shutdown", cmds[0].kind, cmds[1].kind)
	}
}

func TestRouterPreservesInterKindOrder(t *testing.T) {
	r := newRouter(testLogger())

	r.push(command{kind: kindScale, delta: 1})
	r.push(command{kind: kindRolling})
	r.push(command{kind: kindScale, delta: -1})

	cmds := r.drain()
	if len(cmds) != 3 {
		t.Fatalf("queue length = %d, want 3 (no coalescing across kinds)", len(cmds))
	}
	want := []commandKind{kindScale, kindRolling, kindScale}
	for i, k := range want {
		if cmds[i].kind != k {
			t.Errorf("cmds[%d].kind = %v, want %v", i, cmds[i].kind, k)
		}
	}
}

func TestRouterStatusCommandsNeverCoalesce(t *testing.T) {
	r := newRouter(testLogger())

	r.push(command{kind: kindStatus, reply: make(chan PoolStatus, 1)})
	r.push(command{kind: kindStatus, reply: make(chan PoolStatus, 1)})

	cmds := r.drain()
	if len(cmds) != 2 {
		t.Fatalf("queue length = %d, want 2 (every status gets a reply)", len(cmds))
	}
}

func TestRouterWakeNeverBlocks(t *testing.T) {
	r := newRouter(testLogger())

	// Many pushes without a drain in between must not deadlock.
	for i := 0; i < 100; i++ {
		r.push(command{kind: kindScale, delta: 1})
	}

	select {
	case <-r.notify:
	default:
		t.Fatal("expected a pending notification")
	}

	cmds := r.drain()
	if len(cmds) != 1 || cmds[0].delta != 100 {
		t.Fatalf("cmds = %+v, want single scale with delta 100", cmds)
	}
}

func TestRouterDrainEmptiesQueue(t *testing.T) {
	r := newRouter(testLogger())

	r.push(command{kind: kindRolling})
	if got := len(r.drain()); got != 1 {
		t.Fatalf("first drain = %d commands, want 1", got)
	}
	if got := len(r.drain()); got != 0 {
		t.Errorf("second drain = %d commands, want 0", got)
	}
}

func TestRouterTranslatesSignals(t *testing.T) {
	r := newRouter(testLogger())
	go r.translate()

	r.sigCh <- syscall.SIGTTIN
	r.sigCh <- syscall.SIGTTOU
	r.sigCh <- syscall.SIGHUP
	r.sigCh <- syscall.SIGTERM
	close(r.sigCh)

	// translate runs in its own goroutine; wait until everything landed.
	deadline := time.Now().Add(2 * time.Second)
	var cmds []command
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.queue)
		r.mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cmds = r.drain()

	// SIGTTIN +1 and SIGTTOU -1 coalesce to a single zero-delta scale.
	want := []struct {
		kind  commandKind
		delta int
	}{
		{kindScale, 0},
		{kindRolling, 0},
		{kindShutdown, 0},
	}
	if len(cmds) != len(want) {
		t.Fatalf("queue = %+v, want %d commands", cmds, len(want))
	}
	for i, w := range want {
		if cmds[i].kind != w.kind {
			t.Errorf("cmds[%d].kind = %v, want %v", i, cmds[i].kind, w.kind)
		}
	}
	if cmds[0].delta != 0 {
		t.Errorf("coalesced scale delta = %d, want 0", cmds[0].delta)
	}
	if !cmds[2].graceful {
		t.Error("SIGTERM should map to a graceful shutdown")
	}
}
