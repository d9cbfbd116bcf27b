package coin

import (
	"fmt"
	"sort"
	"time"

	"mdbctl/bus"
	"mdbctl/errcode"
	"mdbctl/events"
	"mdbctl/mdbframe"

	"github.com/decred/slog"
)

const (
	dispenseConfirmDeadline = 5 * time.Second
	dispensePollInterval    = 80 * time.Millisecond
)

// Transport issues one logical (write, read) exchange under the
// controller's I/O mutex and returns the single response line.
type Transport interface {
	Exchange(cmd string) (string, error)
}

// PauseController pauses and resumes the controller's polling loop around
// a payout session (spec §4.7 step 1, §5's payout-busy flag).
type PauseController interface {
	Acquire()
	Release()
}

// Payout drives the per-coin request/confirmation sequence that backs
// DispenseChange (spec §4.7).
type Payout struct {
	io      Transport
	types   mdbframe.CoinTypeTable
	handler *Handler
	waiters *WaiterArena
	conn    *bus.Connection
	pause   PauseController
	log     slog.Logger
}

// NewPayout builds a Payout.
func NewPayout(io Transport, types mdbframe.CoinTypeTable, handler *Handler, waiters *WaiterArena, conn *bus.Connection, pause PauseController, log slog.Logger) *Payout {
	return &Payout{io: io, types: types, handler: handler, waiters: waiters, conn: conn, pause: pause, log: log}
}

// DispenseChange plans and dispenses amount (minor units) in coins,
// returning true iff every coin was confirmed dispensed.
func (p *Payout) DispenseChange(amount int) bool {
	p.pause.Acquire()
	defer p.pause.Release()
	defer p.waiters.ClearAll()

	tubeMap, err := p.readTubeMap()
	if err != nil {
		events.Publish(p.conn, events.DeviceEvent{Kind: events.ErrorEvent, Message: fmt.Sprintf("%s: %v", errcode.ProtocolViolation, err)})
		return false
	}

	plan, ok := PlanChange(amount, tubeMap)
	if !ok {
		events.Publish(p.conn, events.DeviceEvent{
			Kind:    events.ErrorEvent,
			Message: fmt.Sprintf("%s: cannot make %d from available tube inventory", errcode.PlannerFailure, amount),
		})
		return false
	}

	for _, denom := range descendingKeys(plan) {
		count := plan[denom]
		for i := 0; i < count; i++ {
			if !p.dispenseOne(denom) {
				return false
			}
		}
	}
	return true
}

func (p *Payout) readTubeMap() (map[int]int, error) {
	line, err := p.io.Exchange("R,0A")
	if err != nil {
		return nil, fmt.Errorf("tube status exchange: %w", err)
	}
	status, err := mdbframe.ParseTubeStatus(line)
	if err != nil {
		return nil, fmt.Errorf("tube status decode: %w", err)
	}
	tubes := map[int]int{}
	for idx, count := range status.Counts {
		if count <= 0 {
			continue
		}
		denom, ok := p.types.Denomination(idx)
		if !ok {
			continue
		}
		tubes[denom] = count
	}
	return tubes, nil
}

// dispenseOne runs the single-coin payout sequence for denom: step 4 of
// spec §4.7.
func (p *Payout) dispenseOne(denom int) bool {
	typeIdx, ok := p.types.TypeIndex(denom)
	if !ok {
		p.log.Errorf("coin: payout: no type index known for denomination %d", denom)
		return false
	}

	waiter := p.waiters.Insert(denom)

	resp, err := p.io.Exchange(mdbframe.EncodePayout(typeIdx))
	if err != nil || !mdbframe.IsAck(resp) {
		p.waiters.Remove(denom)
		return false
	}

	deadline := time.Now().Add(dispenseConfirmDeadline)
	ticker := time.NewTicker(dispensePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waiter.Done():
			return true
		case <-ticker.C:
			if time.Now().After(deadline) {
				p.waiters.Remove(denom)
				return false
			}
			line, err := p.io.Exchange("R,0B")
			if err == nil {
				p.handler.HandlePollLine(line)
			}
			select {
			case <-waiter.Done():
				return true
			default:
			}
		}
	}
}

func descendingKeys(plan Plan) []int {
	keys := make([]int, 0, len(plan))
	for k := range plan {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))
	return keys
}
