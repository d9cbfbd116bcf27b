// Package serial implements the half-duplex, line-oriented transport that
// the peripheral controller speaks over a USB-serial bridge. It wraps
// github.com/daedaluz/goserial's raw termios byte channel with CR framing
// and a read timeout that never blocks indefinitely and never treats a
// timeout as an error.
package serial

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	goserial "github.com/daedaluz/goserial"

	"github.com/decred/slog"
)

const writeDrain = 20 * time.Millisecond

// Link is a single, opened serial connection. All methods are safe to call
// from one goroutine at a time; callers above this package (the
// controller's I/O mutex) are responsible for serialising access.
type Link struct {
	port    *goserial.Port
	timeout time.Duration
	buf     []byte
	log     slog.Logger
}

// Open opens path at baud with the given per-read timeout, puts the port in
// raw mode, and returns a ready-to-use Link. A nil log disables logging.
func Open(path string, baud int, readTimeout time.Duration, log slog.Logger) (*Link, error) {
	if log == nil {
		log = slog.Disabled
	}
	opts := goserial.NewOptions().SetReadTimeout(readTimeout)
	port, err := goserial.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}

	if err := port.MakeRaw(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: make raw %s: %w", path, err)
	}

	attrs, err := port.GetAttr()
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: get attrs %s: %w", path, err)
	}
	attrs.SetSpeed(baudFlag(baud))
	attrs.Cflag |= goserial.CREAD | goserial.CLOCAL
	if err := port.SetAttr(goserial.TCSANOW, attrs); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: set attrs %s: %w", path, err)
	}

	log.Infof("serial: opened %s at %d baud", path, baud)
	return &Link{port: port, timeout: readTimeout, log: log}, nil
}

func baudFlag(baud int) goserial.CFlag {
	switch baud {
	case 9600:
		return goserial.B9600
	case 19200:
		return goserial.B19200
	case 38400:
		return goserial.B38400
	case 57600:
		return goserial.B57600
	case 230400:
		return goserial.B230400
	default:
		return goserial.B115200
	}
}

// WriteLine appends a single CR terminator and writes the line, then
// sleeps briefly to let a USB-serial bridge drain before the caller issues
// a read.
func (l *Link) WriteLine(line string) error {
	payload := append([]byte(line), '\r')
	if _, err := l.port.Write(payload); err != nil {
		l.log.Warnf("serial: write %q: %v", line, err)
		return fmt.Errorf("serial: write: %w", err)
	}
	l.log.Tracef("serial: -> %s", line)
	time.Sleep(writeDrain)
	return nil
}

// ReadLine reads until a line terminator or the read timeout elapses.
// On timeout it returns ("", nil) — never an error, and never blocks
// indefinitely.
func (l *Link) ReadLine() (string, error) {
	chunk := make([]byte, 64)
	for {
		if i := bytes.IndexAny(l.buf, "\r\n"); i >= 0 {
			line := strings.TrimSpace(string(l.buf[:i]))
			l.buf = trimLeadingTerminators(l.buf[i+1:])
			if line == "" {
				continue // blank line between terminators; keep reading
			}
			l.log.Tracef("serial: <- %s", line)
			return line, nil
		}

		n, err := l.port.ReadTimeout(chunk, l.timeout)
		if n > 0 {
			l.buf = append(l.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return "", nil // timeout (or zero-byte read): no event this cycle
		}
		return "", nil
	}
}

func trimLeadingTerminators(b []byte) []byte {
	for len(b) > 0 && (b[0] == '\r' || b[0] == '\n') {
		b = b[1:]
	}
	return b
}

// Close idempotently closes the underlying port.
func (l *Link) Close() error {
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	if err == goserial.ErrClosed {
		return nil
	}
	if err != nil {
		l.log.Warnf("serial: close: %v", err)
	} else {
		l.log.Infof("serial: closed")
	}
	return err
}
