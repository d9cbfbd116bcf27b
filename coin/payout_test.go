package coin

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mdbctl/bus"
	"mdbctl/events"
	"mdbctl/inventory"
	"mdbctl/mdbframe"

	"github.com/decred/slog"
)

// fakeTransport scripts a sequence of responses keyed by the exact
// command string, falling back to a queue of responses for repeated
// polls of the same command (e.g. repeated "R,0B").
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string][]string
	calls     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: map[string][]string{}}
}

func (f *fakeTransport) script(cmd string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmd] = append(f.responses[cmd], lines...)
}

func (f *fakeTransport) Exchange(cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	queue := f.responses[cmd]
	if len(queue) == 0 {
		return "", nil
	}
	f.responses[cmd] = queue[1:]
	return queue[0], nil
}

type fakePause struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (p *fakePause) Acquire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired++
}
func (p *fakePause) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func newTestPayout(t *testing.T) (*Payout, *fakeTransport, *fakePause, *inventory.Store, *bus.Subscription) {
	t.Helper()
	store := inventory.Open(filepath.Join(t.TempDir(), "inv.json"), slog.Disabled)
	b := bus.NewBus(8)
	conn := b.NewConnection("test")
	sub := conn.Subscribe(events.WildcardTopic())
	waiters := NewWaiterArena()
	types := testTypeTable()
	tr := newFakeTransport()
	pause := &fakePause{}
	h := NewHandler(types, store, conn, waiters, false, slog.Disabled)
	p := NewPayout(tr, types, h, waiters, conn, pause, slog.Disabled)
	return p, tr, pause, store, sub
}

func TestPayout_DispenseSingleCoinSuccess(t *testing.T) {
	p, tr, pause, store, _ := newTestPayout(t)
	store.RegisterCoinAccepted(20)

	// tube status: fullness(2 bytes) + counts; type1(denom20)=1 available.
	tr.script("R,0A", "p,00000001")
	tr.script("R,0D,11", "p,ACK")
	tr.script("R,0B", "p,9112") // Dispensed, type1 -> denom 20

	ok := p.DispenseChange(20)
	if !ok {
		t.Fatalf("DispenseChange(20) = false, want true")
	}
	if pause.acquired != 1 || pause.released != 1 {
		t.Fatalf("pause acquire/release = %d/%d, want 1/1", pause.acquired, pause.released)
	}
	snap := store.Snapshot()
	if snap.Coins[20] != 0 {
		t.Fatalf("coins[20] = %d, want 0 after dispense confirmed", snap.Coins[20])
	}
}

func TestPayout_InsufficientInventoryEmitsErrorNoCommands(t *testing.T) {
	p, tr, _, _, sub := newTestPayout(t)
	tr.script("R,0A", "p,000000") // no coins available

	ok := p.DispenseChange(20)
	if ok {
		t.Fatalf("DispenseChange should fail with no tube inventory")
	}

	for _, cmd := range tr.calls {
		if cmd != "R,0A" {
			t.Fatalf("unexpected command issued despite planner failure: %v", tr.calls)
		}
	}

	select {
	case msg := <-sub.Channel():
		ev := msg.Payload.(events.DeviceEvent)
		if ev.Kind != events.ErrorEvent {
			t.Fatalf("expected Error event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an Error event for planner failure")
	}
}

func TestPayout_NonAckOnPayoutCommandFails(t *testing.T) {
	p, tr, _, _, _ := newTestPayout(t)
	tr.script("R,0A", "p,00000001")
	tr.script("R,0D,11", "") // no ACK (timeout)

	ok := p.DispenseChange(20)
	if ok {
		t.Fatalf("expected failure when payout command is not ACKed")
	}
}

func TestPayout_ConfirmationTimeoutFails(t *testing.T) {
	p, tr, _, _, _ := newTestPayout(t)
	tr.script("R,0A", "p,00000001")
	tr.script("R,0D,11", "p,ACK")
	// no "R,0B" responses scripted: every poll returns empty, so the
	// waiter never resolves and the 5s deadline is hit.

	start := time.Now()
	ok := p.DispenseChange(20)
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("expected failure on confirmation timeout")
	}
	if elapsed < dispenseConfirmDeadline {
		t.Fatalf("returned before the confirmation deadline elapsed: %v", elapsed)
	}
}

func TestPayout_MultiCoinPlanDispensesAll(t *testing.T) {
	p, tr, _, store, _ := newTestPayout(t)
	store.RegisterCoinAccepted(20)
	store.RegisterCoinAccepted(20)
	store.RegisterCoinAccepted(40)

	// Tube status line: fullness(2 bytes) + counts[0..], counts[1]=2 (denom20), counts[3]=1 (denom40).
	tr.script("R,0A", "p,000000020001")
	tr.script("R,0D,11", "p,ACK", "p,ACK")
	tr.script("R,0D,13", "p,ACK")
	tr.script("R,0B", "p,9312", "p,9112", "p,9112")

	ok := p.DispenseChange(80) // 40 + 20 + 20
	if !ok {
		t.Fatalf("expected multi-coin dispense to succeed")
	}
	snap := store.Snapshot()
	if snap.Coins[20] != 0 || snap.Coins[40] != 0 {
		t.Fatalf("unexpected leftover coin counts: %+v", snap.Coins)
	}
}
