package xmodem

// Transport is the byte-oriented channel the engine sends outbound control
// and data bytes over. It provides no framing: Send must deliver p
// atomically (no interleaving with a concurrent Send from the same
// caller).
//
// Inbound bytes are not pulled through this interface — the caller
// delivers them by calling Engine.FeedBytes as they arrive, from whatever
// thread the underlying serial driver uses.
type Transport interface {
	Send(p []byte) error
}

// TransportFunc adapts a plain function to a Transport.
type TransportFunc func(p []byte) error

func (f TransportFunc) Send(p []byte) error { return f(p) }
