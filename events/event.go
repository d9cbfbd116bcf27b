// Package events defines the DeviceEvent outbound stream published by the
// peripheral controller, and the bus topics observers subscribe to.
package events

import "mdbctl/bus"

// Kind tags a DeviceEvent's variant.
type Kind string

const (
	Initialized            Kind = "initialized"
	CashEscrowRequested    Kind = "cash_escrow_requested"
	CashProcessed          Kind = "cash_processed"
	CoinReceived           Kind = "coin_received"
	CoinProcessed          Kind = "coin_received" // legacy alias of CoinReceived
	CoinDispensed          Kind = "coin_dispensed"
	CoinToCashbox          Kind = "coin_to_cashbox"
	CashlessSessionStarted Kind = "cashless_session_started"
	CashlessVendApproved   Kind = "cashless_vend_approved"
	CashlessVendDenied     Kind = "cashless_vend_denied"
	ErrorEvent             Kind = "error"
)

// PaymentType tags which payment rail a DeviceEvent concerns.
type PaymentType string

const (
	PaymentCash     PaymentType = "cash"
	PaymentCoin     PaymentType = "coin"
	PaymentCashless PaymentType = "cashless"
	PaymentNone     PaymentType = ""
)

// DeviceEvent is the single outbound tagged-sum event surfaced to
// observers (spec §6). Polymorphic payment types are expressed as tagged
// variants here rather than by inheritance (spec §9).
type DeviceEvent struct {
	Kind             Kind        `json:"kind"`
	PaymentType      PaymentType `json:"payment_type,omitempty"`
	Amount           int         `json:"amount,omitempty"`
	HasAmount        bool        `json:"-"`
	Accepted         bool        `json:"accepted,omitempty"`
	HasAccepted      bool        `json:"-"`
	Message          string      `json:"message,omitempty"`
	TargetCashHolder string      `json:"target_cash_holder,omitempty"`
}

// rootTopic is the topic prefix every DeviceEvent publishes under:
// device/event/<kind>.
var rootTopic = bus.T("device", "event")

// Topic returns the publish topic for a DeviceEvent of this kind.
func Topic(kind Kind) bus.Topic { return rootTopic.Append(string(kind)) }

// WildcardTopic is the topic pattern an observer subscribes to in order to
// receive every DeviceEvent.
func WildcardTopic() bus.Topic { return bus.T("device", "event", "#") }

// Publish emits ev on conn under its kind-specific topic.
func Publish(conn *bus.Connection, ev DeviceEvent) {
	conn.Publish(conn.NewMessage(Topic(ev.Kind), ev, false))
}
