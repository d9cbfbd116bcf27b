package cashless

import (
	"sync"
	"testing"
	"time"

	"mdbctl/events"

	"github.com/decred/slog"
)

// fakeTransport scripts a sequence of responses keyed by the exact command
// string, popping one response per call and falling back to ("", nil) once
// a command's queue is exhausted.
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

func newTestSession(t *testing.T) (*Session, *fakeTransport, chan events.DeviceEvent) {
	t.Helper()
	tr := newFakeTransport()
	evCh := make(chan events.DeviceEvent, 16)
	s := NewSession(tr, func(ev events.DeviceEvent) { evCh <- ev }, slog.Disabled)
	return s, tr, evCh
}

func scriptApprovalSequence(tr *fakeTransport) {
	tr.script("C,64,02", "p,ACK")
	tr.script("C,60", "p,ACK")
	tr.script("C,62", "d,STATUS,RESET", "p,01")
	tr.script("C,61", "p,00000000000002")
	tr.script("C,63,00,64", "p,ACK")
}

func TestStartSigmaPayment_FullApprovalSequence(t *testing.T) {
	s, tr, evCh := newTestSession(t)
	scriptApprovalSequence(tr)

	ok := s.StartSigmaPayment(10000)
	if !ok {
		t.Fatalf("StartSigmaPayment = false, want true")
	}
	if s.State() != Idle {
		t.Fatalf("state after completion = %v, want Idle", s.State())
	}

	var gotStarted, gotApproved bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-evCh:
			switch ev.Kind {
			case events.CashlessSessionStarted:
				gotStarted = true
			case events.CashlessVendApproved:
				gotApproved = true
				if ev.Amount != 10000 {
					t.Errorf("approved amount = %d, want 10000", ev.Amount)
				}
			}
		case <-time.After(time.Second):
			t.Fatal("expected two events (session started, vend approved)")
		}
	}
	if !gotStarted || !gotApproved {
		t.Fatalf("gotStarted=%v gotApproved=%v", gotStarted, gotApproved)
	}
}

func TestStartSigmaPayment_Denied(t *testing.T) {
	s, tr, evCh := newTestSession(t)
	tr.script("C,64,02", "p,ACK")
	tr.script("C,60", "p,ACK")
	tr.script("C,62", "d,STATUS,RESET", "p,02")
	tr.script("C,61", "p,00000000000002")
	tr.script("C,63,00,64", "p,ACK")

	ok := s.StartSigmaPayment(10000)
	if ok {
		t.Fatalf("expected denial to return false")
	}

	var sawDenied bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-evCh:
			if ev.Kind == events.CashlessVendDenied {
				sawDenied = true
			}
		case <-time.After(time.Second):
		}
	}
	if !sawDenied {
		t.Fatalf("expected a CashlessVendDenied event")
	}
}

func TestStartSigmaPayment_SingleFlightGuard(t *testing.T) {
	s, tr, _ := newTestSession(t)
	s.busy.Store(true)
	defer s.busy.Store(false)

	ok := s.StartSigmaPayment(500)
	if ok {
		t.Fatalf("expected false while a session is already active")
	}
	if len(tr.calls) != 0 {
		t.Fatalf("expected no transport calls while guarded, got %v", tr.calls)
	}
}

func TestStartSigmaPayment_EnableNoAckFails(t *testing.T) {
	s, tr, evCh := newTestSession(t)
	// no "C,64,02" response scripted: every attempt returns empty.

	ok := s.StartSigmaPayment(100)
	if ok {
		t.Fatalf("expected failure when ENABLE is never ACKed")
	}

	enableAttempts := 0
	for _, cmd := range tr.calls {
		if cmd == "C,64,02" {
			enableAttempts++
		}
	}
	if enableAttempts != enableRetries {
		t.Fatalf("enable attempts = %d, want %d", enableAttempts, enableRetries)
	}

	select {
	case ev := <-evCh:
		if ev.Kind != events.ErrorEvent {
			t.Fatalf("expected an Error event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an Error event for enable failure")
	}
}

func TestStartSigmaPayment_ResetTimeoutFails(t *testing.T) {
	s, tr, evCh := newTestSession(t)
	tr.script("C,64,02", "p,ACK")
	tr.script("C,60", "p,ACK")
	// no "C,62" reset-status response scripted: every poll returns empty,
	// so isResetStatus never matches before resetDeadline elapses.

	start := time.Now()
	ok := s.StartSigmaPayment(100)
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("expected failure on reset timeout")
	}
	if elapsed < resetDeadline {
		t.Fatalf("returned before reset deadline elapsed: %v", elapsed)
	}

	select {
	case ev := <-evCh:
		if ev.Kind != events.ErrorEvent {
			t.Fatalf("expected an Error event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an Error event for reset timeout")
	}
}

func TestStartSigmaPayment_SetupFailureFails(t *testing.T) {
	s, tr, evCh := newTestSession(t)
	tr.script("C,64,02", "p,ACK")
	tr.script("C,60", "p,ACK")
	tr.script("C,62", "d,STATUS,RESET")
	tr.script("C,61", "") // setup exchange returns no data, decode fails

	ok := s.StartSigmaPayment(100)
	if ok {
		t.Fatalf("expected failure when setup cannot be decoded")
	}

	select {
	case ev := <-evCh:
		if ev.Kind != events.ErrorEvent {
			t.Fatalf("expected an Error event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an Error event for setup failure")
	}
}

func TestStartSigmaPayment_ApprovalTimeoutFails(t *testing.T) {
	s, tr, evCh := newTestSession(t)
	tr.script("C,64,02", "p,ACK")
	tr.script("C,60", "p,ACK")
	tr.script("C,62", "d,STATUS,RESET") // first poll (reset) resolves; later
	tr.script("C,61", "p,00000000000002")
	tr.script("C,63,00,64", "p,ACK")
	// no further "C,62" responses queued: subsequent approval polls return
	// empty, and ParseCashlessPoll treats that as pending until the 30s
	// approvalDeadline elapses. Reduce wait by shrinking effective poll
	// count is not possible without changing the package constants, so
	// this test asserts correctness of the eventual failure rather than
	// waiting out the full deadline inline in a tight loop.

	done := make(chan bool, 1)
	go func() { done <- s.StartSigmaPayment(10000) }()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected approval timeout to fail")
		}
	case <-time.After(approvalDeadline + 2*time.Second):
		t.Fatal("StartSigmaPayment did not return after approval deadline")
	}

	var sawError bool
	for i := 0; i < 4; i++ {
		select {
		case ev := <-evCh:
			if ev.Kind == events.ErrorEvent {
				sawError = true
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !sawError {
		t.Fatalf("expected an Error event for approval timeout")
	}
}

func TestScaleAmount(t *testing.T) {
	if got := scaleAmount(10000, 2); got != 100 {
		t.Errorf("scaleAmount(10000, 2) = %d, want 100", got)
	}
	if got := scaleAmount(500, 0); got != 500 {
		t.Errorf("scaleAmount(500, 0) = %d, want 500", got)
	}
}
