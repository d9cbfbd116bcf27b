// Package coin implements coin-frame routing/dispatch, the greedy change
// planner, and the request/confirmation payout sequence.
package coin

import (
	"mdbctl/bus"
	"mdbctl/errcode"
	"mdbctl/events"
	"mdbctl/inventory"
	"mdbctl/mdbframe"

	"github.com/decred/slog"
)

// Handler decodes and dispatches every coin frame in a poll response:
// crediting inventory, emitting DeviceEvents, and resolving outstanding
// dispense waiters (spec §4.5).
type Handler struct {
	types         mdbframe.CoinTypeTable
	store         *inventory.Store
	conn          *bus.Connection
	waiters       *WaiterArena
	legacyRouting bool
	log           slog.Logger
}

// NewHandler builds a Handler. legacyRouting selects the two-bit legacy
// coin-routing decode instead of the authoritative top-nibble mapping
// (spec §9; defaults to false at the call site's configuration layer).
func NewHandler(types mdbframe.CoinTypeTable, store *inventory.Store, conn *bus.Connection, waiters *WaiterArena, legacyRouting bool, log slog.Logger) *Handler {
	return &Handler{types: types, store: store, conn: conn, waiters: waiters, legacyRouting: legacyRouting, log: log}
}

// HandlePollLine decodes every coin frame in line (in order) and
// dispatches each: ToTube and ToCashbox frames credit the customer and
// increment inventory; Dispensed frames confirm a prior payout. Unknown
// coin-type indices are logged and dropped, never credited (spec §3).
func (h *Handler) HandlePollLine(line string) {
	frames := mdbframe.ParseCoinStream(line, h.legacyRouting)
	for _, f := range frames {
		h.dispatch(f)
	}
}

func (h *Handler) dispatch(f mdbframe.CoinFrame) {
	denom, known := h.types.Denomination(f.Type)
	if !known {
		h.log.Warnf("coin: %s: unknown type index %d, dropping", errcode.ProtocolViolation, f.Type)
		return
	}

	switch f.Route {
	case mdbframe.RouteToTube:
		h.store.RegisterCoinAccepted(denom)
		events.Publish(h.conn, events.DeviceEvent{Kind: events.CoinReceived, PaymentType: events.PaymentCoin, Amount: denom, HasAmount: true, TargetCashHolder: "tube"})
	case mdbframe.RouteToCashbox:
		h.store.RegisterCoinToCashboxAccepted(denom)
		events.Publish(h.conn, events.DeviceEvent{Kind: events.CoinToCashbox, PaymentType: events.PaymentCoin, Amount: denom, HasAmount: true, TargetCashHolder: "cashbox"})
	case mdbframe.RouteDispensed:
		h.store.RegisterCoinDispensed(denom)
		events.Publish(h.conn, events.DeviceEvent{Kind: events.CoinDispensed, PaymentType: events.PaymentCoin, Amount: denom, HasAmount: true, TargetCashHolder: "tube"})
		h.waiters.Resolve(denom)
	default:
		h.log.Warnf("coin: %s: unknown route nibble for type %d, dropping", errcode.ProtocolViolation, f.Type)
	}
}
