package xmodem

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memSink is an in-memory Sink for tests, mirroring FileSink's trimming
// behavior without touching disk.
type memSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memSink) Close() error { return nil }

func (s *memSink) TrimTrailingPadding(pad byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buf.Bytes()
	scanLen := blockSize
	if scanLen > len(b) {
		scanLen = len(b)
	}
	tail := b[len(b)-scanLen:]
	last := -1
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i] != pad {
			last = i
			break
		}
	}
	var newLen int
	if last < 0 {
		newLen = len(b) - scanLen
	} else {
		newLen = len(b) - scanLen + last + 1
	}
	s.buf.Truncate(newLen)
	return nil
}

func (s *memSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

// pairTransport wires a sender Engine and a receiver Engine together
// in-process: Send queues a copy of the bytes, and a pump goroutine
// delivers the queue in order to the peer's FeedBytes. Delivery must not
// happen inside Send, because an engine holds its lock while sending and
// a peer that replied synchronously would re-enter that same lock.
type pairTransport struct {
	queue chan []byte
}

func (p *pairTransport) Send(b []byte) error {
	p.queue <- append([]byte(nil), b...)
	return nil
}

func newLinkedEngines(t *testing.T, cfg *Config) (sender, receiver *Engine) {
	t.Helper()
	sender = NewEngine(nil, cfg)
	receiver = NewEngine(nil, cfg)
	toReceiver := &pairTransport{queue: make(chan []byte, 256)}
	toSender := &pairTransport{queue: make(chan []byte, 256)}
	sender.transport = toReceiver
	receiver.transport = toSender
	for _, link := range []struct {
		tp   *pairTransport
		peer *Engine
	}{{toReceiver, receiver}, {toSender, sender}} {
		go func(queue chan []byte, peer *Engine) {
			for b := range queue {
				peer.FeedBytes(b)
			}
		}(link.tp.queue, link.peer)
	}
	return sender, receiver
}

func fastTestConfig() *Config {
	return &Config{
		MaxRetries:     3,
		MaxInitRetries: 2,
		InitTimeout:    30 * time.Millisecond,
		AckTimeout:     30 * time.Millisecond,
		EOTAckTimeout:  30 * time.Millisecond,
	}
}

// S1/S3-ish: a clean checksum-mode transfer of a few full blocks
// completes on both ends with matching bytes and no error.
func TestTransferChecksumModeCompletes(t *testing.T) {
	sender, receiver := newLinkedEngines(t, fastTestConfig())
	defer sender.Shutdown()
	defer receiver.Shutdown()

	payload := bytes.Repeat([]byte("hello-xmodem-"), 20) // multiple blocks, not block-aligned
	sink := &memSink{}

	require.NoError(t, receiver.StartReceive(false, sink))
	require.NoError(t, sender.StartSend(MemorySource{Data: payload}))

	require.Eventually(t, func() bool {
		return sender.CurrentState() == StateCompleted && receiver.CurrentState() == StateCompleted
	}, 2*time.Second, time.Millisecond)

	require.Equal(t, payload, sink.bytes())
	require.NoError(t, sender.Err())
	require.NoError(t, receiver.Err())
}

// CRC mode negotiation: receiver offers CharC, sender must reply with a
// CRC-framed block and both sides agree useCRC.
func TestTransferCRCModeCompletes(t *testing.T) {
	sender, receiver := newLinkedEngines(t, fastTestConfig())
	defer sender.Shutdown()
	defer receiver.Shutdown()

	payload := []byte("single short block")
	sink := &memSink{}

	require.NoError(t, receiver.StartReceive(true, sink))
	require.NoError(t, sender.StartSend(MemorySource{Data: payload}))

	require.Eventually(t, func() bool {
		return receiver.CurrentState() == StateCompleted
	}, 2*time.Second, time.Millisecond)

	require.Equal(t, payload, sink.bytes())
	require.True(t, sender.useCRC)
	require.True(t, receiver.useCRC)
}

// A block exactly filling one frame with no padding still round-trips
// (no spurious padding trimmed).
func TestTransferExactBlockSize(t *testing.T) {
	sender, receiver := newLinkedEngines(t, fastTestConfig())
	defer sender.Shutdown()
	defer receiver.Shutdown()

	payload := bytes.Repeat([]byte{0x42}, blockSize)
	sink := &memSink{}

	require.NoError(t, receiver.StartReceive(false, sink))
	require.NoError(t, sender.StartSend(MemorySource{Data: payload}))

	require.Eventually(t, func() bool {
		return receiver.CurrentState() == StateCompleted
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, payload, sink.bytes())
}

// StartSend on an empty source is rejected outright (Open Question
// resolution, see DESIGN.md).
func TestStartSendEmptySourceRejected(t *testing.T) {
	e := NewEngine(TransportFunc(func([]byte) error { return nil }), fastTestConfig())
	defer e.Shutdown()
	err := e.StartSend(MemorySource{Data: nil})
	require.ErrorIs(t, err, ErrEmptySource)
	require.Equal(t, StateIdle, e.CurrentState())
}

// StartReceive requires a non-nil sink.
func TestStartReceiveNilSinkRejected(t *testing.T) {
	e := NewEngine(TransportFunc(func([]byte) error { return nil }), fastTestConfig())
	defer e.Shutdown()
	err := e.StartReceive(false, nil)
	require.Error(t, err)
}

// Starting a second transfer while one is active is rejected.
func TestStartReceiveAlreadyActive(t *testing.T) {
	e := NewEngine(TransportFunc(func([]byte) error { return nil }), fastTestConfig())
	defer e.Shutdown()
	require.NoError(t, e.StartReceive(false, &memSink{}))
	err := e.StartReceive(false, &memSink{})
	require.ErrorIs(t, err, ErrAlreadyActive)
}

// A receiver that never hears from a sender exhausts its init retries and
// aborts locally, emitting CAN CAN.
func TestReceiverInitiationTimeoutAborts(t *testing.T) {
	var sent [][]byte
	var mu sync.Mutex
	tp := TransportFunc(func(p []byte) error {
		mu.Lock()
		cp := append([]byte(nil), p...)
		sent = append(sent, cp)
		mu.Unlock()
		return nil
	})
	e := NewEngine(tp, fastTestConfig())
	defer e.Shutdown()

	require.NoError(t, e.StartReceive(false, &memSink{}))

	require.Eventually(t, func() bool {
		return e.CurrentState() == StateAborted
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	last := sent[len(sent)-1]
	require.Equal(t, []byte{CAN, CAN}, last)
}

// A single inbound CAN while receiving cancels the transfer without the
// receiver emitting its own CAN.
func TestReceiverAbortsOnRemoteCancel(t *testing.T) {
	var sentCount int
	var mu sync.Mutex
	tp := TransportFunc(func(p []byte) error {
		mu.Lock()
		sentCount++
		mu.Unlock()
		return nil
	})
	e := NewEngine(tp, fastTestConfig())
	defer e.Shutdown()

	require.NoError(t, e.StartReceive(false, &memSink{}))
	before := func() int { mu.Lock(); defer mu.Unlock(); return sentCount }()

	e.FeedBytes([]byte{CAN})

	require.Equal(t, StateAborted, e.CurrentState())
	require.ErrorIs(t, e.Err(), ErrRemoteCancelledSentinel)
	after := func() int { mu.Lock(); defer mu.Unlock(); return sentCount }()
	require.Equal(t, before, after, "abortRemote must not transmit")
}

// checksum8/crc16 mismatch triggers a NAK-and-retry cycle rather than an
// immediate abort, up to MaxRetries.
func TestReceiverNaksCorruptBlock(t *testing.T) {
	sender, receiver := newLinkedEngines(t, fastTestConfig())
	defer sender.Shutdown()
	defer receiver.Shutdown()

	sink := &memSink{}
	require.NoError(t, receiver.StartReceive(false, sink))

	// Drive the receiver's negotiation byte into a hand-built corrupt
	// block to exercise handleBlockError directly.
	require.Eventually(t, func() bool {
		return receiver.CurrentState() == StateExpectingSOH
	}, time.Second, time.Millisecond)

	payload := make([]byte, blockSize)
	copy(payload, []byte("corrupt-me"))
	frame := append([]byte{SOH, 1, ^byte(1)}, payload...)
	frame = append(frame, checksum8(payload)^0xFF) // wrong checksum

	receiver.FeedBytes(frame)
	require.Equal(t, 0, receiver.Stats().BlocksTransferred)
	// One counted init emission from StartReceive plus one block error.
	require.Equal(t, 2, receiver.receiveRetries)
	require.Equal(t, StateExpectingSOH, receiver.CurrentState())
}

var ErrRemoteCancelledSentinel = &Error{Kind: KindRemoteCancelled}
