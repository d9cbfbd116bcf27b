// Package mdbframe implements the stateless ASCII frame codec for the MDB
// bridge protocol: pure decode functions from response lines to typed
// events, and the small set of encode helpers the controller needs to
// build command lines.
package mdbframe

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Coin routing, authoritative nibble mapping (spec §4.2, §9): the top
// nibble of the coin frame's high byte classifies the event.
const (
	routeToCashbox = 0x4
	routeToTube    = 0x5
	routeDispensed = 0x9
)

// Legacy two-bit routing, superseded by the nibble mapping above but kept
// as an explicit, opt-in decode path (spec §9 open question).
const (
	legacyRouteToTube    = 0
	legacyRouteToCashbox = 1
	legacyRouteDispensed = 2
)

// RouteKind classifies a decoded coin event.
type RouteKind int

const (
	RouteUnknown RouteKind = iota
	RouteToTube
	RouteToCashbox
	RouteDispensed
)

// CoinFrame is a single decoded coin event out of a poll response.
type CoinFrame struct {
	Route RouteKind
	Type  int // coin-type index, 0..15
}

// BillEscrow is a decoded banknote escrow event.
type BillEscrow struct {
	Type int // bill-type index, 0..5
}

// TubeStatus is the decoded per-type coin count in the device's tubes.
type TubeStatus struct {
	Counts [16]int // index by coin-type; zero means empty or absent
}

// SetupResponse is the decoded coin-changer setup block.
type SetupResponse struct {
	DecimalPlaces int
}

// CoinTypeConfig is the decoded COIN TYPE response used to build the
// CoinTypeTable during init.
type CoinTypeConfig struct {
	ScalingFactor int
	DecimalPlaces int
	Credits       [16]int // 0 or absent slots carry 0
}

// errNotApplicable signals a line that does not decode into the requested
// event kind — not an error, just "nothing here".
var errNotApplicable = fmt.Errorf("mdbframe: not applicable")

// IsNotApplicable reports whether err is the NotApplicable sentinel.
func IsNotApplicable(err error) bool { return err == errNotApplicable }

// ParseBill decodes a banknote escrow poll line. It returns
// errNotApplicable for an empty line, an ACK, a non-2-hex payload, or any
// byte whose route nibble is not 9.
func ParseBill(line string, billTableSize int) (BillEscrow, error) {
	payload, ok := pollPayload(line)
	if !ok || len(payload) != 2 {
		return BillEscrow{}, errNotApplicable
	}
	raw, err := hex.DecodeString(payload)
	if err != nil || len(raw) != 1 {
		return BillEscrow{}, errNotApplicable
	}
	b := raw[0]
	route := (b >> 4) & 0xF
	typeIdx := int(b & 0xF)
	if route != 9 || typeIdx >= billTableSize {
		return BillEscrow{}, errNotApplicable
	}
	return BillEscrow{Type: typeIdx}, nil
}

// ParseCoinStream decodes every embedded 4-hex-digit coin frame out of a
// poll line, in order. Non-hex characters between frames are ignored;
// empty or non-"p," lines yield no frames.
func ParseCoinStream(line string, legacyRouting bool) []CoinFrame {
	payload, ok := pollPayload(line)
	if !ok {
		return nil
	}
	hexOnly := filterHex(payload)

	var frames []CoinFrame
	for i := 0; i+4 <= len(hexOnly); i += 4 {
		raw, err := hex.DecodeString(hexOnly[i : i+4])
		if err != nil || len(raw) != 2 {
			continue
		}
		high := raw[0]
		typeIdx := int(high & 0x0F)

		var route RouteKind
		if legacyRouting {
			switch (high >> 6) & 0x3 {
			case legacyRouteToTube:
				route = RouteToTube
			case legacyRouteToCashbox:
				route = RouteToCashbox
			case legacyRouteDispensed:
				route = RouteDispensed
			default:
				route = RouteUnknown
			}
		} else {
			switch (high >> 4) & 0xF {
			case routeToCashbox:
				route = RouteToCashbox
			case routeToTube:
				route = RouteToTube
			case routeDispensed:
				route = RouteDispensed
			default:
				route = RouteUnknown
			}
		}
		if route == RouteUnknown {
			continue // logged-and-dropped by the caller, which has logging context
		}
		frames = append(frames, CoinFrame{Route: route, Type: typeIdx})
	}
	return frames
}

// ParseTubeStatus decodes an R,0A tube-status response. It skips the
// 2-byte fullness bitmap, then reads up to 16 per-type count bytes. A
// count of 0xFF is treated as zero (empty).
func ParseTubeStatus(line string) (TubeStatus, error) {
	payload, ok := pollPayload(line)
	if !ok {
		return TubeStatus{}, errNotApplicable
	}
	raw, err := hex.DecodeString(filterHex(payload))
	if err != nil || len(raw) < 3 {
		return TubeStatus{}, errNotApplicable
	}

	var status TubeStatus
	counts := raw[2:]
	if len(counts) > 16 {
		counts = counts[:16]
	}
	for i, b := range counts {
		if b == 0xFF {
			continue
		}
		status.Counts[i] = int(b)
	}
	return status, nil
}

// ParseSetup decodes a coin-changer SETUP response; decimal places live at
// byte offset 6.
func ParseSetup(line string) (SetupResponse, error) {
	payload, ok := pollPayload(line)
	if !ok {
		return SetupResponse{}, errNotApplicable
	}
	raw, err := hex.DecodeString(filterHex(payload))
	if err != nil || len(raw) < 7 {
		return SetupResponse{}, errNotApplicable
	}
	return SetupResponse{DecimalPlaces: int(raw[6])}, nil
}

// CashlessOutcome is the decoded state of an in-flight cashless vend poll.
type CashlessOutcome int

const (
	CashlessPending CashlessOutcome = iota
	CashlessApproved
	CashlessDenied
)

// ParseCashlessPoll decodes a C,62 poll response.
func ParseCashlessPoll(line string) CashlessOutcome {
	payload, ok := pollPayload(line)
	if !ok {
		return CashlessPending
	}
	switch strings.ToUpper(payload) {
	case "01":
		return CashlessApproved
	case "02":
		return CashlessDenied
	default:
		return CashlessPending
	}
}

// ParseCoinTypeConfig decodes an R,09 COIN TYPE response into the table
// used to build the controller's CoinTypeTable at init.
func ParseCoinTypeConfig(line string) (CoinTypeConfig, error) {
	payload, ok := pollPayload(line)
	if !ok {
		return CoinTypeConfig{}, errNotApplicable
	}
	raw, err := hex.DecodeString(filterHex(payload))
	if err != nil || len(raw) < 5 {
		return CoinTypeConfig{}, errNotApplicable
	}

	cfg := CoinTypeConfig{DecimalPlaces: 2, ScalingFactor: 1}
	if raw[3] != 0 {
		cfg.ScalingFactor = int(raw[3])
	}
	cfg.DecimalPlaces = int(raw[4])

	credits := raw
	if len(raw) >= 16 {
		credits = raw[len(raw)-16:]
	}
	for i, c := range credits {
		if i >= 16 {
			break
		}
		if c == 0 || c == 0xFF {
			continue
		}
		cfg.Credits[i] = int(c)
	}
	return cfg, nil
}

// pollPayload strips a "p," prefix, returning (payload, true); any other
// line (including ACKs, diagnostics, command echoes, or the empty
// timeout line) returns (_, false).
func pollPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "p,") {
		return "", false
	}
	payload := strings.TrimPrefix(line, "p,")
	if strings.EqualFold(payload, "ACK") {
		return "", false
	}
	return payload, true
}

func filterHex(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsAck reports whether line is the generic p,ACK acknowledgement.
func IsAck(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "p,ACK")
}

// EncodeDisplayText builds the R,HH,HH,... passthrough frame for a
// best-effort display write: 0x65, len(text)+1, 0x06, followed by the
// UTF-8 bytes of text truncated to 32 bytes.
func EncodeDisplayText(text string) string {
	trimmed := truncateUTF8(text, 32)
	bytesOut := []byte{0x65, byte(len(trimmed) + 1), 0x06}
	bytesOut = append(bytesOut, trimmed...)

	parts := make([]string, len(bytesOut))
	for i, b := range bytesOut {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return "R," + strings.Join(parts, ",")
}

func truncateUTF8(s string, maxBytes int) []byte {
	b := []byte(s)
	if len(b) <= maxBytes {
		return b
	}
	b = b[:maxBytes]
	// Back off until we land on a UTF-8 boundary.
	for len(b) > 0 && b[len(b)-1]&0xC0 == 0x80 {
		b = b[:len(b)-1]
	}
	return b
}

// EncodePayout builds the R,0D,<PP> coin payout command for typeIndex,
// where PP = 0x10 | typeIndex ("payout one of type").
func EncodePayout(typeIndex int) string {
	return fmt.Sprintf("R,0D,%02X", 0x10|(typeIndex&0xF))
}

// EncodeVendRequest builds the C,63,<hi>,<lo> cashless vend-request
// command for a scaled amount.
func EncodeVendRequest(scaledAmount int) string {
	hi := (scaledAmount >> 8) & 0xFF
	lo := scaledAmount & 0xFF
	return fmt.Sprintf("C,63,%02X,%02X", hi, lo)
}
