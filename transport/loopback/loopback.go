// Package loopback provides an in-process Transport pair for tests and
// demos, wiring two xmodem.Engine instances together without a real
// serial link.
package loopback

import "github.com/relaygo/xmodem"

// NewPair creates two ends of a loopback link. Each end's Send delivers to
// the other end's FeedBytes once Attach has been called.
func NewPair() (a, b *End) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &End{out: ab, in: ba}
	b = &End{out: ba, in: ab}
	return a, b
}

// End is one side of a loopback link, implementing xmodem.Transport.
type End struct {
	out  chan []byte
	in   chan []byte
	stop chan struct{}
}

// Send implements xmodem.Transport.
func (e *End) Send(p []byte) error {
	cp := make([]byte, len(p))
	copy(cp, p)
	e.out <- cp
	return nil
}

// Attach starts a pump goroutine delivering inbound bytes to engine.
// Stop terminates the pump.
func (e *End) Attach(engine *xmodem.Engine) {
	e.stop = make(chan struct{})
	go func() {
		for {
			select {
			case p := <-e.in:
				engine.FeedBytes(p)
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop terminates the pump goroutine started by Attach. Safe to call
// without a prior Attach.
func (e *End) Stop() {
	if e.stop != nil {
		close(e.stop)
	}
}
