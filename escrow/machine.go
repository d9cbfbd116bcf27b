// Package escrow implements the banknote escrow state machine: a bill
// validated by the device is held pending an accept/return decision
// within a fixed deadline.
package escrow

import (
	"sync"
	"time"
)

// DecisionDeadline is the time an open ticket waits for an external
// accept/return decision before it is treated as a return (spec §4.4).
const DecisionDeadline = 5 * time.Second

// Ticket is the ephemeral record of a single banknote held in escrow.
type Ticket struct {
	Amount   int
	Deadline time.Time

	decided chan bool // true=accept, false=return; set at most once
	once    sync.Once
}

func newTicket(amount int) *Ticket {
	return &Ticket{
		Amount:   amount,
		Deadline: time.Now().Add(DecisionDeadline),
		decided:  make(chan bool, 1),
	}
}

// resolve delivers a decision, a no-op if the ticket already has one.
func (t *Ticket) resolve(accept bool) bool {
	resolved := false
	t.once.Do(func() {
		t.decided <- accept
		resolved = true
	})
	return resolved
}

// Outcome is returned to the caller driving a ticket through to
// resolution.
type Outcome struct {
	Amount   int
	Accepted bool
	TimedOut bool
}

// Machine owns at most one open Ticket at a time (spec §3's single-open-
// ticket invariant). A second escrow event arriving while one is open is
// rejected without disturbing the open ticket (spec §9).
type Machine struct {
	mu     sync.Mutex
	ticket *Ticket
}

// New returns an idle Machine.
func New() *Machine { return &Machine{} }

// Open starts a new ticket for amount, or reports rejected=true if a
// ticket is already open (the caller should return/reject the incoming
// bill without disturbing the open ticket).
func (m *Machine) Open(amount int) (ticket *Ticket, rejected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticket != nil {
		return nil, true
	}
	m.ticket = newTicket(amount)
	return m.ticket, false
}

// Accept lodges an accept decision for the currently open ticket. It is a
// silent no-op if no ticket is open.
func (m *Machine) Accept() {
	m.resolveOpen(true)
}

// Return lodges a return decision for the currently open ticket. It is a
// silent no-op if no ticket is open.
func (m *Machine) Return() {
	m.resolveOpen(false)
}

func (m *Machine) resolveOpen(accept bool) {
	m.mu.Lock()
	t := m.ticket
	m.mu.Unlock()
	if t == nil {
		return
	}
	t.resolve(accept)
}

// Await blocks until the ticket's decision is lodged or its deadline
// elapses (treated as a return on timeout), then clears the machine's
// open ticket.
func (m *Machine) Await(t *Ticket) Outcome {
	defer m.clear(t)

	select {
	case accept := <-t.decided:
		return Outcome{Amount: t.Amount, Accepted: accept}
	case <-time.After(time.Until(t.Deadline)):
		t.resolve(false) // in case a racing decision arrives right at the deadline
		return Outcome{Amount: t.Amount, Accepted: false, TimedOut: true}
	}
}

func (m *Machine) clear(t *Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticket == t {
		m.ticket = nil
	}
}

// IsOpen reports whether a ticket is currently open, for diagnostics/UI.
func (m *Machine) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticket != nil
}
