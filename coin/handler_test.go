package coin

import (
	"path/filepath"
	"testing"
	"time"

	"mdbctl/bus"
	"mdbctl/events"
	"mdbctl/inventory"
	"mdbctl/mdbframe"

	"github.com/decred/slog"
)

func testTypeTable() mdbframe.CoinTypeTable {
	cfg := mdbframe.CoinTypeConfig{ScalingFactor: 1, DecimalPlaces: 2}
	cfg.Credits[1] = 20
	cfg.Credits[3] = 40
	return mdbframe.NewCoinTypeTableFromConfig(cfg)
}

func newTestHandler(t *testing.T) (*Handler, *inventory.Store, *WaiterArena, *bus.Connection, *bus.Subscription) {
	t.Helper()
	store := inventory.Open(filepath.Join(t.TempDir(), "inv.json"), slog.Disabled)
	b := bus.NewBus(8)
	conn := b.NewConnection("test")
	sub := conn.Subscribe(events.WildcardTopic())
	waiters := NewWaiterArena()
	h := NewHandler(testTypeTable(), store, conn, waiters, false, slog.Disabled)
	return h, store, waiters, conn, sub
}

func TestHandler_ToTubeCreditsAndEmits(t *testing.T) {
	h, store, _, _, sub := newTestHandler(t)
	h.HandlePollLine("p,5112") // route=5 ToTube, type=1 -> denom 20

	snap := store.Snapshot()
	if snap.Coins[20] != 1 {
		t.Fatalf("coins[20] = %d, want 1", snap.Coins[20])
	}

	select {
	case msg := <-sub.Channel():
		ev := msg.Payload.(events.DeviceEvent)
		if ev.Kind != events.CoinReceived || ev.Amount != 20 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected CoinReceived event")
	}
}

func TestHandler_ToCashboxCreditsAndEmits(t *testing.T) {
	h, store, _, _, sub := newTestHandler(t)
	h.HandlePollLine("p,4312") // route=4 ToCashbox, type=3 -> denom 40

	snap := store.Snapshot()
	if snap.CoinsCashbox[40] != 1 {
		t.Fatalf("coinsCashbox[40] = %d, want 1", snap.CoinsCashbox[40])
	}

	select {
	case msg := <-sub.Channel():
		ev := msg.Payload.(events.DeviceEvent)
		if ev.Kind != events.CoinToCashbox || ev.Amount != 40 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected CoinToCashbox event")
	}
}

func TestHandler_DispensedResolvesWaiterAndDecrements(t *testing.T) {
	h, store, waiters, _, sub := newTestHandler(t)
	store.RegisterCoinAccepted(20)
	waiter := waiters.Insert(20)

	h.HandlePollLine("p,9112") // route=9 Dispensed, type=1 -> denom 20

	select {
	case <-waiter.Done():
	case <-time.After(time.Second):
		t.Fatal("waiter was not resolved")
	}

	snap := store.Snapshot()
	if snap.Coins[20] != 0 {
		t.Fatalf("coins[20] = %d, want 0 after dispense", snap.Coins[20])
	}

	select {
	case msg := <-sub.Channel():
		ev := msg.Payload.(events.DeviceEvent)
		if ev.Kind != events.CoinDispensed || ev.Amount != 20 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected CoinDispensed event")
	}
}

func TestHandler_UnknownTypeIndexDropped(t *testing.T) {
	h, store, _, _, sub := newTestHandler(t)
	h.HandlePollLine("p,5F12") // route=5 ToTube, type=15, not in table

	snap := store.Snapshot()
	if len(snap.Coins) != 0 {
		t.Fatalf("expected no credit for unknown type, got %+v", snap.Coins)
	}
	select {
	case msg := <-sub.Channel():
		t.Fatalf("expected no event for unknown type, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
