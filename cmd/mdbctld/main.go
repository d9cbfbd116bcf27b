// Command mdbctld runs the vending-machine MDB cash peripheral
// controller as a daemon: it wires configuration, logging, the
// persisted inventory, the serial link, and the peripheral controller
// together, then blocks until an interrupt or terminate signal.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mdbctl/bus"
	"mdbctl/config"
	"mdbctl/controller"
	"mdbctl/events"
	"mdbctl/inventory"
	"mdbctl/logging"

	flags "github.com/jessevdk/go-flags"
)

func main() {
	if err := run(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "mdbctld: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	if err := logging.InitLogRotator(cfg.LogFile, 10*1024*1024, 3); err != nil {
		return err
	}
	level := cfg.LogLevel
	if cfg.Verbose {
		level = "debug"
	}
	if err := logging.SetupLoggers(level); err != nil {
		return err
	}

	store := inventory.Open(cfg.InventoryFile, logging.InvLog)

	eventBus := bus.NewBus(32)
	conn := eventBus.NewConnection("controller")

	ctrl := controller.New(controller.Config{
		Port:          cfg.SerialPort,
		Baud:          cfg.Baud,
		ReadTimeout:   cfg.ReadTimeout,
		BillDenoms:    cfg.BillDenoms,
		LegacyRouting: cfg.LegacyRouting,
	}, conn, store, controller.Loggers{
		Ctrl:   logging.CtrlLog,
		Escrow: logging.EscrLog,
		Coin:   logging.CoinLog,
		Cash:   logging.CashLog,
		Serial: logging.SrlLog,
	})
	ctrl.EnableVerboseLogging(cfg.Verbose)

	if err := ctrl.Start(); err != nil {
		return err
	}
	defer ctrl.Stop()

	sub := ctrl.Subscribe()
	go logEvents(sub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.CtrlLog.Infof("mdbctld: shutting down")
	return nil
}

func logEvents(sub *bus.Subscription) {
	for msg := range sub.Channel() {
		ev, ok := msg.Payload.(events.DeviceEvent)
		if !ok {
			continue
		}
		ts := time.Now().Format(time.RFC3339)
		if ev.Kind == events.ErrorEvent {
			logging.CtrlLog.Errorf("[%s] %s: %s", ts, ev.Kind, ev.Message)
			continue
		}
		logging.CtrlLog.Infof("[%s] %s payment=%s amount=%d accepted=%v", ts, ev.Kind, ev.PaymentType, ev.Amount, ev.Accepted)
	}
}
