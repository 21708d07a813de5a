// Package serialport adapts a go.bug.st/serial port to xmodem.Transport,
// pumping inbound bytes into an Engine's FeedBytes on a dedicated reader
// goroutine.
package serialport

import (
	"log/slog"

	"go.bug.st/serial"

	"github.com/relaygo/xmodem"
)

// Transport wraps an open serial.Port as an xmodem.Transport and drives a
// background read pump once Start is called.
type Transport struct {
	port   serial.Port
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// Open opens name at the given baud rate with the 8-N-1 framing XMODEM
// implementations conventionally assume.
func Open(name string, baud int) (*Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return &Transport{port: port, logger: slog.Default()}, nil
}

// Send implements xmodem.Transport.
func (t *Transport) Send(p []byte) error {
	_, err := t.port.Write(p)
	return err
}

// Start launches the reader goroutine that feeds inbound bytes to engine
// until Close is called or a read error occurs.
func (t *Transport) Start(engine *xmodem.Engine) {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		buf := make([]byte, 256)
		for {
			select {
			case <-t.stop:
				return
			default:
			}
			n, err := t.port.Read(buf)
			if err != nil {
				t.logger.Warn("serialport: read error", "error", err)
				return
			}
			if n > 0 {
				engine.FeedBytes(buf[:n])
			}
		}
	}()
}

// Close closes the underlying port, which unblocks the reader goroutine's
// pending Read, then waits for it to exit.
func (t *Transport) Close() error {
	err := t.port.Close()
	if t.stop != nil {
		close(t.stop)
		<-t.done
	}
	return err
}
