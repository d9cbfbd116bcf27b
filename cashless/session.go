// Package cashless implements the cashless (card) vend session state
// machine driving the StartSigmaPayment protocol sequence.
package cashless

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"mdbctl/errcode"
	"mdbctl/events"
	"mdbctl/mdbframe"

	"github.com/decred/slog"
)

// State is one of the session's protocol phases (spec §3).
type State string

const (
	Idle            State = "Idle"
	Enabling        State = "Enabling"
	Resetting       State = "Resetting"
	SettingUp       State = "SettingUp"
	VendRequested   State = "VendRequested"
	AwaitingOutcome State = "AwaitingOutcome"
	Closing         State = "Closing"
)

const (
	enableRetries      = 5
	enableSettleDelay  = 300 * time.Millisecond
	resetPollInterval  = 100 * time.Millisecond
	resetDeadline      = 5 * time.Second
	approvalPollPeriod = 200 * time.Millisecond
	approvalDeadline   = 30 * time.Second
)

// Transport issues one logical (write, read) exchange under the
// controller's I/O mutex.
type Transport interface {
	Exchange(cmd string) (string, error)
}

// Session owns the single-flight cashless vend state machine (spec §4.8).
type Session struct {
	io      Transport
	publish func(events.DeviceEvent)
	log     slog.Logger
	state   atomic.Value // State
	busy    atomic.Bool
}

// NewSession builds a Session. publish is how the session emits
// DeviceEvents — typically a thin wrapper around a *bus.Connection
// (see the controller's wiring).
func NewSession(io Transport, publish func(events.DeviceEvent), log slog.Logger) *Session {
	s := &Session{io: io, publish: publish, log: log}
	s.state.Store(Idle)
	return s
}

func (s *Session) State() State { return s.state.Load().(State) }

func (s *Session) setState(st State) { s.state.Store(st) }

// StartSigmaPayment runs the full enable -> reset -> setup -> vend ->
// poll-for-outcome sequence for amountMinor (minor currency units).
// Returns false immediately, touching nothing, if a session is already
// active (spec §4.8 guard, spec §8's single-flight property).
func (s *Session) StartSigmaPayment(amountMinor int) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	defer func() {
		s.setState(Idle)
		s.busy.Store(false)
	}()

	s.setState(Enabling)
	if !s.enable() {
		s.fail("ENABLE no ACK")
		return false
	}

	time.Sleep(enableSettleDelay)

	s.setState(Resetting)
	if !s.reset() {
		s.fail(fmt.Sprintf("%s: reset timeout", errcode.Timeout))
		return false
	}

	s.setState(SettingUp)
	decimals, ok := s.setup()
	if !ok {
		s.fail(fmt.Sprintf("%s: setup failed", errcode.DeviceRefused))
		return false
	}

	s.sendDisplayText(fmt.Sprintf("VEND %d", amountMinor))

	s.setState(VendRequested)
	scaled := scaleAmount(amountMinor, decimals)
	if resp, err := s.io.Exchange(mdbframe.EncodeVendRequest(scaled)); err != nil || !mdbframe.IsAck(resp) {
		s.fail(fmt.Sprintf("%s: vend request no ACK", errcode.DeviceRefused))
		return false
	}

	s.publish(events.DeviceEvent{Kind: events.CashlessSessionStarted, PaymentType: events.PaymentCashless, Amount: amountMinor, HasAmount: true})

	s.setState(AwaitingOutcome)
	return s.awaitOutcome(amountMinor)
}

func (s *Session) enable() bool {
	for i := 0; i < enableRetries; i++ {
		resp, err := s.io.Exchange("C,64,02")
		if err == nil && mdbframe.IsAck(resp) {
			return true
		}
	}
	return false
}

func (s *Session) reset() bool {
	if _, err := s.io.Exchange("C,60"); err != nil {
		return false
	}
	deadline := time.Now().Add(resetDeadline)
	ticker := time.NewTicker(resetPollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		<-ticker.C
		line, err := s.io.Exchange("C,62")
		if err == nil && isResetStatus(line) {
			return true
		}
	}
	return false
}

func isResetStatus(line string) bool {
	return strings.HasPrefix(line, "d,STATUS,RESET")
}

func (s *Session) setup() (decimals int, ok bool) {
	line, err := s.io.Exchange("C,61")
	if err != nil {
		return 0, false
	}
	resp, decErr := mdbframe.ParseSetup(line)
	if decErr != nil {
		return 0, false
	}
	return resp.DecimalPlaces, true
}

// sendDisplayText best-effort displays text; a missing ACK is non-fatal
// (spec §4.8 step 5).
func (s *Session) sendDisplayText(text string) {
	_, _ = s.io.Exchange(mdbframe.EncodeDisplayText(text))
}

func (s *Session) awaitOutcome(amountMinor int) bool {
	deadline := time.Now().Add(approvalDeadline)
	ticker := time.NewTicker(approvalPollPeriod)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		<-ticker.C
		line, err := s.io.Exchange("C,62")
		if err != nil {
			continue
		}
		switch mdbframe.ParseCashlessPoll(line) {
		case mdbframe.CashlessApproved:
			s.publish(events.DeviceEvent{Kind: events.CashlessVendApproved, PaymentType: events.PaymentCashless, Amount: amountMinor, HasAmount: true})
			return true
		case mdbframe.CashlessDenied:
			s.publish(events.DeviceEvent{Kind: events.CashlessVendDenied, PaymentType: events.PaymentCashless, Amount: amountMinor, HasAmount: true})
			return false
		}
	}
	s.fail(fmt.Sprintf("%s: approval timeout", errcode.Timeout))
	return false
}

func (s *Session) fail(message string) {
	s.log.Errorf("cashless: %s", message)
	s.publish(events.DeviceEvent{Kind: events.ErrorEvent, PaymentType: events.PaymentCashless, Message: message})
}

// scaleAmount converts a minor-unit amount into the device's own decimal
// scale for the C,63 vend request (spec §4.8 step 6, scenario §8.5: amount
// 10000 minor at decimals=2 scales to 100).
func scaleAmount(amountMinor, decimals int) int {
	return amountMinor / pow10(decimals)
}

func pow10(n int) int {
	if n <= 0 {
		return 1
	}
	out := 1
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}
