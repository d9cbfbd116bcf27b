package escrow

import (
	"fmt"

	"mdbctl/bus"
	"mdbctl/errcode"
	"mdbctl/events"
	"mdbctl/inventory"
	"mdbctl/mdbframe"

	"github.com/decred/slog"
)

// Transport issues one logical (write, read) exchange under the
// controller's I/O mutex.
type Transport interface {
	Exchange(cmd string) (string, error)
}

// Handler decodes banknote poll lines and drives each escrowed bill
// through to a stack/return decision (spec §4.4).
type Handler struct {
	machine *Machine
	bills   mdbframe.BillTable
	store   *inventory.Store
	conn    *bus.Connection
	io      Transport
	log     slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(machine *Machine, bills mdbframe.BillTable, store *inventory.Store, conn *bus.Connection, io Transport, log slog.Logger) *Handler {
	return &Handler{machine: machine, bills: bills, store: store, conn: conn, io: io, log: log}
}

// HandlePollLine decodes one banknote poll response line. A decoded
// escrow event opens a ticket and emits CashEscrowRequested, then drives
// the decision to completion on its own goroutine so the poller is never
// blocked on the escrow deadline.
func (h *Handler) HandlePollLine(line string) {
	bill, err := mdbframe.ParseBill(line, h.bills.Size())
	if err != nil {
		if !mdbframe.IsNotApplicable(err) {
			h.log.Warnf("escrow: %s: %v", errcode.ProtocolViolation, err)
		}
		return
	}

	denom, ok := h.bills.Denomination(bill.Type)
	if !ok {
		h.log.Warnf("escrow: %s: bill type index %d out of range", errcode.ProtocolViolation, bill.Type)
		return
	}

	ticket, rejected := h.machine.Open(denom)
	if rejected {
		// spec §9: the second frame is rejected (returned) without
		// disturbing the ticket already open.
		h.log.Warnf("escrow: second escrow frame for %d while a ticket is open; returning it", denom)
		_, _ = h.io.Exchange("R,35,0")
		return
	}

	events.Publish(h.conn, events.DeviceEvent{
		Kind:        events.CashEscrowRequested,
		PaymentType: events.PaymentCash,
		Amount:      denom,
		HasAmount:   true,
	})

	go h.resolve(ticket)
}

func (h *Handler) resolve(t *Ticket) {
	outcome := h.machine.Await(t)

	if outcome.TimedOut {
		events.Publish(h.conn, events.DeviceEvent{
			Kind:        events.ErrorEvent,
			PaymentType: events.PaymentCash,
			Message:     fmt.Sprintf("%s: escrow timeout", errcode.Timeout),
		})
	}

	cmd := "R,35,0"
	if outcome.Accepted {
		cmd = "R,35,1"
	}
	_, _ = h.io.Exchange(cmd)

	if outcome.Accepted {
		h.store.RegisterBanknoteAccepted(outcome.Amount)
	}

	events.Publish(h.conn, events.DeviceEvent{
		Kind:        events.CashProcessed,
		PaymentType: events.PaymentCash,
		Amount:      outcome.Amount,
		HasAmount:   true,
		Accepted:    outcome.Accepted,
		HasAccepted: true,
	})
}
