// Package logging wires up mdbctl's per-subsystem loggers. It mirrors
// the Decred daemons' addLndPkgLogger/SetupLoggers pattern (slog
// backend over a rotating file, mirrored to stdout) without the
// gRPC/autopilot baggage those daemons also carry.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// replaceableLogger lets package-level logger variables be handed out
// before the rotating backend exists, then swapped in place once
// SetupLoggers runs.
type replaceableLogger struct {
	slog.Logger
	subsystem string
}

var pkgLoggers []*replaceableLogger

func addPkgLogger(subsystem string) *replaceableLogger {
	l := &replaceableLogger{Logger: slog.Disabled, subsystem: subsystem}
	pkgLoggers = append(pkgLoggers, l)
	return l
}

// Per-subsystem loggers, usable as soon as the package is imported
// (they log nothing until SetupLoggers runs).
var (
	CtrlLog = addPkgLogger("CTRL") // controller package
	EscrLog = addPkgLogger("ESCR") // escrow package
	CoinLog = addPkgLogger("COIN") // coin package
	CashLog = addPkgLogger("CASH") // cashless package
	InvLog  = addPkgLogger("INV")  // inventory package
	SrlLog  = addPkgLogger("SRL")  // serial package
)

var logRotator *rotator.Rotator

// InitLogRotator opens logFile for appending, rotating it once it
// exceeds maxSizeBytes, keeping at most maxRolls archived copies.
func InitLogRotator(logFile string, maxSizeBytes int64, maxRolls int) error {
	dir := dirOf(logFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("logging: create log dir %s: %w", dir, err)
	}
	r, err := rotator.New(logFile, maxSizeBytes, false, maxRolls)
	if err != nil {
		return fmt.Errorf("logging: init log rotator: %w", err)
	}
	logRotator = r
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// SetupLoggers replaces every package-level logger with one backed by
// the rotating file writer (once InitLogRotator has run) mirrored to
// stdout, at the given level.
func SetupLoggers(levelName string) error {
	level, ok := slog.LevelFromString(levelName)
	if !ok {
		return fmt.Errorf("logging: unknown log level %q", levelName)
	}

	var w io.Writer = os.Stdout
	if logRotator != nil {
		w = io.MultiWriter(os.Stdout, logRotator)
	}
	backend := slog.NewBackend(w)

	for _, l := range pkgLoggers {
		sub := backend.Logger(l.subsystem)
		sub.SetLevel(level)
		l.Logger = sub
	}
	return nil
}

// SetLevel adjusts every subsystem logger's level after setup.
func SetLevel(levelName string) error {
	level, ok := slog.LevelFromString(levelName)
	if !ok {
		return fmt.Errorf("logging: unknown log level %q", levelName)
	}
	for _, l := range pkgLoggers {
		l.Logger.SetLevel(level)
	}
	return nil
}
