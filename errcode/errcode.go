// Package errcode defines the stable, bus-facing error identifiers used
// across the peripheral controller and its subsystems. A Code travels on
// the control-plane bus as an ordinary comparable value and also
// satisfies the error interface, so component boundaries can return it
// directly.
package errcode

// Code is a stable, bus-facing error identifier: a string newtype,
// comparable, allocation-free, and an error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes.
const (
	OK            Code = "ok"
	Busy          Code = "busy"
	Unsupported   Code = "unsupported"
	InvalidParams Code = "invalid_params"

	// TransportTimeout: a serial read returned empty within the link's
	// read timeout. Routine polls treat this as "no event this cycle"
	// and never surface it; it is promoted to an Error only when it
	// breaks a required handshake (e.g. a missing ACK during cashless
	// init).
	TransportTimeout Code = "transport_timeout"

	// ProtocolViolation: a well-formed line with unexpected semantics —
	// an unknown coin-type index, an unknown routing nibble, a
	// tube-status line too short to decode. Logged; it reaches an Error
	// event only when a poll cycle panics or an undecodable tube status
	// aborts a payout.
	ProtocolViolation Code = "protocol_violation"

	// Timeout: a governing deadline expired (escrow decision, dispense
	// confirmation, cashless reset, cashless approval). The owning state
	// machine returns to Idle.
	Timeout Code = "timeout"

	// DeviceRefused: an expected ACK was not received after retries
	// during cashless session init.
	DeviceRefused Code = "device_refused"

	// PlannerFailure: the change planner could not represent the
	// requested amount against the live tube inventory.
	PlannerFailure Code = "planner_failure"

	// StartupFailure: the serial link failed to open or the controller's
	// init sequence faulted. The service remains not-running.
	StartupFailure Code = "startup_failure"

	Error Code = "error" // generic fallback
)

// E wraps a Code with an operation name, message, and optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Op + ": " + e.Msg
	}
	return string(e.C) + ": " + e.Op
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
