// Package controller implements the PeripheralController: the composition
// root that owns the serial link, serialises all I/O under a single
// mutex, runs the polling loop, suspends polling during payout or
// cashless sessions, fans poll data out to the escrow and coin
// handlers, and exposes the programmatic control surface (spec §4.3,
// §5, §6).
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mdbctl/bus"
	"mdbctl/cashless"
	"mdbctl/coin"
	"mdbctl/errcode"
	"mdbctl/escrow"
	"mdbctl/events"
	"mdbctl/inventory"
	"mdbctl/mdbframe"
	"mdbctl/serial"

	"github.com/decred/slog"
)

const pollPeriod = 200 * time.Millisecond

// Config are the construction-time parameters the controller needs
// before it can open a link (the rest is discovered during Start's
// init sequence).
type Config struct {
	Port          string
	Baud          int
	ReadTimeout   time.Duration
	BillDenoms    []int // BillTable is fixed configuration, not discovered
	LegacyRouting bool  // spec §9: authoritative nibble routing unless set
}

// Loggers bundles the per-subsystem loggers the controller wires into
// its collaborators, the dcrlnd way: one logger per package, not one
// shared logger for the whole daemon. Any field left nil falls back to
// slog.Disabled.
type Loggers struct {
	Ctrl   slog.Logger
	Escrow slog.Logger
	Coin   slog.Logger
	Cash   slog.Logger
	Serial slog.Logger
}

func (l Loggers) withDefaults() Loggers {
	if l.Ctrl == nil {
		l.Ctrl = slog.Disabled
	}
	if l.Escrow == nil {
		l.Escrow = slog.Disabled
	}
	if l.Coin == nil {
		l.Coin = slog.Disabled
	}
	if l.Cash == nil {
		l.Cash = slog.Disabled
	}
	if l.Serial == nil {
		l.Serial = slog.Disabled
	}
	return l
}

// Controller is the peripheral controller. All exported methods are
// safe to call concurrently.
type Controller struct {
	cfg  Config
	conn *bus.Connection
	log  slog.Logger
	logs Loggers

	store *inventory.Store
	bills mdbframe.BillTable

	ioMu sync.Mutex
	link *serial.Link
	// rawExchange performs the actual (write, read) pair. Start wires it to
	// the opened serial.Link; tests substitute a fake to exercise the
	// controller without a real port.
	rawExchange func(cmd string) (string, error)

	escrowMachine *escrow.Machine
	escrowHandler *escrow.Handler
	coinWaiters   *coin.WaiterArena
	coinHandler   *coin.Handler
	payout        *coin.Payout
	cashless      *cashless.Session

	payoutBusy   atomic.Bool
	cashlessBusy atomic.Bool
	verbose      atomic.Bool
	running      atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Controller. The link is not opened until Start.
func New(cfg Config, conn *bus.Connection, store *inventory.Store, logs Loggers) *Controller {
	logs = logs.withDefaults()
	c := &Controller{
		cfg:           cfg,
		conn:          conn,
		log:           logs.Ctrl,
		logs:          logs,
		store:         store,
		bills:         mdbframe.NewBillTable(cfg.BillDenoms),
		escrowMachine: escrow.New(),
		coinWaiters:   coin.NewWaiterArena(),
	}
	return c
}

// Exchange performs one (write, read) pair under the I/O mutex. It
// satisfies coin.Transport, escrow.Transport, and cashless.Transport.
func (c *Controller) Exchange(cmd string) (string, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	return c.exchangeLocked(cmd)
}

func (c *Controller) exchangeLocked(cmd string) (string, error) {
	if c.rawExchange == nil {
		return "", fmt.Errorf("%s: link not open", errcode.StartupFailure)
	}
	return c.rawExchange(cmd)
}

// Acquire/Release implement coin.PauseController for the payout busy
// flag the poller consults at the top of each cycle.
func (c *Controller) Acquire() { c.payoutBusy.Store(true) }
func (c *Controller) Release() { c.payoutBusy.Store(false) }

// Start opens the serial link, runs the device init sequence, and
// spawns the polling loop.
func (c *Controller) Start() error {
	link, err := serial.Open(c.cfg.Port, c.cfg.Baud, c.cfg.ReadTimeout, c.logs.Serial)
	if err != nil {
		return fmt.Errorf("%s: %w", errcode.StartupFailure, err)
	}
	c.link = link
	return c.startWithExchanger(func(cmd string) (string, error) {
		if err := link.WriteLine(cmd); err != nil {
			return "", err
		}
		return link.ReadLine()
	})
}

// startWithExchanger runs the init sequence and spawns the polling loop
// against an arbitrary (write, read) exchanger. Start uses it with the
// real serial.Link; tests substitute a fake transport.
func (c *Controller) startWithExchanger(exchange func(cmd string) (string, error)) error {
	c.rawExchange = exchange

	coinTypes, err := c.initSequence()
	if err != nil {
		c.rawExchange = nil
		if c.link != nil {
			_ = c.link.Close()
			c.link = nil
		}
		return fmt.Errorf("%s: %w", errcode.StartupFailure, err)
	}

	c.escrowHandler = escrow.NewHandler(c.escrowMachine, c.bills, c.store, c.conn, c, c.logs.Escrow)
	c.coinHandler = coin.NewHandler(coinTypes, c.store, c.conn, c.coinWaiters, c.cfg.LegacyRouting, c.logs.Coin)
	c.payout = coin.NewPayout(c, coinTypes, c.coinHandler, c.coinWaiters, c.conn, c, c.logs.Coin)
	c.cashless = cashless.NewSession(c, func(ev events.DeviceEvent) { events.Publish(c.conn, ev) }, c.logs.Cash)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running.Store(true)

	events.Publish(c.conn, events.DeviceEvent{Kind: events.Initialized})

	go c.pollLoop(ctx)
	return nil
}

// initSequence runs the device bring-up exchanges (spec §4.3) and
// returns the discovered CoinTypeTable.
func (c *Controller) initSequence() (mdbframe.CoinTypeTable, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	exchanges := []string{"M,1", "R,30", "R,31", "R,34,FFFFFFFF", "R,35,0", "R,08"}
	for _, cmd := range exchanges {
		if _, err := c.exchangeLocked(cmd); err != nil {
			return mdbframe.CoinTypeTable{}, err
		}
	}

	coinCfgLine, err := c.exchangeLocked("R,09")
	if err != nil {
		return mdbframe.CoinTypeTable{}, err
	}
	coinCfg, err := mdbframe.ParseCoinTypeConfig(coinCfgLine)
	var coinTypes mdbframe.CoinTypeTable
	if err != nil {
		c.log.Warnf("controller: %s: coin type config undecodable, falling back to legacy table: %v", errcode.ProtocolViolation, err)
		coinTypes = mdbframe.NewLegacyCoinTypeTable()
	} else {
		coinTypes = mdbframe.NewCoinTypeTableFromConfig(coinCfg)
	}

	if _, err := c.exchangeLocked("R,0C,FFFFFFFF"); err != nil {
		return mdbframe.CoinTypeTable{}, err
	}

	return coinTypes, nil
}

// pollLoop runs the 200ms cancellable polling task (spec §4.3).
func (c *Controller) pollLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *Controller) pollOnce() {
	defer func() {
		if r := recover(); r != nil {
			events.Publish(c.conn, events.DeviceEvent{
				Kind:    events.ErrorEvent,
				Message: fmt.Sprintf("%s: poll panic: %v", errcode.ProtocolViolation, r),
			})
		}
	}()

	if c.payoutBusy.Load() || c.cashlessBusy.Load() {
		return
	}

	billsLine, coinsLine, err := c.pollExchange()
	if err != nil {
		events.Publish(c.conn, events.DeviceEvent{
			Kind:    events.ErrorEvent,
			Message: fmt.Sprintf("%s: %v", errcode.TransportTimeout, err),
		})
		return
	}

	c.escrowHandler.HandlePollLine(billsLine)
	c.coinHandler.HandlePollLine(coinsLine)
}

func (c *Controller) pollExchange() (bills, coins string, err error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	bills, err = c.exchangeLocked("R,33")
	if err != nil {
		return "", "", err
	}
	coins, err = c.exchangeLocked("R,0B")
	if err != nil {
		return "", "", err
	}
	return bills, coins, nil
}

// Stop cancels the polling loop at its next suspension point,
// best-effort disables the device, and closes the link.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	_, _ = c.Exchange("M,0")
	if c.link != nil {
		_ = c.link.Close()
	}
}

// Accept lodges an accept decision for the currently open escrow
// ticket, a no-op if none is open.
func (c *Controller) Accept() { c.escrowMachine.Accept() }

// Return lodges a return decision for the currently open escrow
// ticket, a no-op if none is open.
func (c *Controller) Return() { c.escrowMachine.Return() }

// DispenseChange plans and dispenses amount (minor units) in coins.
// Returns false immediately, touching nothing, if a payout is already
// in flight — only the call that wins the single-flight guard may
// clear payoutBusy, so a losing concurrent call can never un-pause the
// poller out from under the winner (spec §5's payout-busy flag).
func (c *Controller) DispenseChange(amount int) bool {
	if !c.payoutBusy.CompareAndSwap(false, true) {
		return false
	}
	defer c.payoutBusy.Store(false)
	return c.payout.DispenseChange(amount)
}

// StartCashlessPayment pauses polling and drives a cashless vend
// session for amountMinor, resuming polling on exit. Returns false
// immediately, touching nothing, if a session is already in flight —
// the same single-flight-owns-the-flag rule as DispenseChange.
func (c *Controller) StartCashlessPayment(amountMinor int) bool {
	if !c.cashlessBusy.CompareAndSwap(false, true) {
		return false
	}
	defer c.cashlessBusy.Store(false)
	return c.cashless.StartSigmaPayment(amountMinor)
}

// ShowTubeStatus fetches a fresh tube-status snapshot directly from the
// device (bypassing inventory) for diagnostics.
func (c *Controller) ShowTubeStatus() (mdbframe.TubeStatus, error) {
	line, err := c.Exchange("R,0A")
	if err != nil {
		return mdbframe.TubeStatus{}, err
	}
	return mdbframe.ParseTubeStatus(line)
}

// EnableVerboseLogging toggles verbose protocol-level logging.
func (c *Controller) EnableVerboseLogging(on bool) { c.verbose.Store(on) }

// DeviceRunning reports whether the controller is between Start and
// Stop.
func (c *Controller) DeviceRunning() bool { return c.running.Load() }

// Subscribe returns a subscription receiving every DeviceEvent.
func (c *Controller) Subscribe() *bus.Subscription {
	return c.conn.Subscribe(events.WildcardTopic())
}
