// Package xmodem implements the XMODEM file-transfer protocol (original
// 8-bit checksum and XMODEM/CRC variants) as a full-duplex state machine
// driving a generic byte-oriented transport.
//
// The engine is conceptually single-threaded cooperative: one mutex
// serializes every state transition and every mutation of the receive
// buffer. Inbound bytes arrive via FeedBytes, called from whatever thread
// the underlying transport delivers them on; a timer service fires
// deadline callbacks that re-enter the engine under the same lock.
package xmodem

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Config controls engine behavior. The zero value takes the package's
// reference timing and retry defaults.
type Config struct {
	MaxRetries     int
	MaxInitRetries int
	InitTimeout    time.Duration
	AckTimeout     time.Duration
	EOTAckTimeout  time.Duration
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxInitRetries <= 0 {
		c.MaxInitRetries = DefaultMaxInitRetries
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.EOTAckTimeout <= 0 {
		c.EOTAckTimeout = DefaultEOTAckTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TransferStats is a snapshot of transfer progress, returned by Stats.
type TransferStats struct {
	BytesTransferred  int64
	BlocksTransferred int
}

// Engine is the protocol state machine. Create one with NewEngine per
// transfer attempt; it is not reusable once terminal — construct a new
// Engine for the next transfer.
type Engine struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	timer     timerService

	mu     sync.Mutex
	state  TransferState
	useCRC bool
	buf    []byte
	stats  TransferStats
	lastErr error

	// Receiver state
	sink           Sink
	expectedBlock  int
	receiveRetries int

	// Sender state
	fileData      []byte
	curBlockIndex int
	sendRetries   int
}

// NewEngine creates an Engine bound to the given transport. cfg may be
// nil to take all defaults.
func NewEngine(transport Transport, cfg *Config) *Engine {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &Engine{
		transport: transport,
		cfg:       c,
		logger:    c.Logger,
		state:     StateIdle,
	}
}

// CurrentState returns the engine's current TransferState.
func (e *Engine) CurrentState() TransferState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of transfer progress so far.
func (e *Engine) Stats() TransferStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Err returns the error that drove the engine to ABORTED or ERROR, or nil
// if the transfer has not reached a terminal state, or completed cleanly.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// FeedBytes delivers inbound bytes from the transport. Bytes are appended
// to the receive buffer and the state machine is driven until it can make
// no further progress without more input or a timer firing. Bytes fed
// after the transfer has reached a terminal state are discarded.
func (e *Engine) FeedBytes(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return
	}
	e.buf = append(e.buf, data...)
	e.drain()
}

// AbortLocal cancels an in-progress transfer, emitting CAN CAN if a
// transfer is active. Idempotent.
func (e *Engine) AbortLocal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abortLocal(KindAborted)
}

// Shutdown tears down the timer service, draining any callback already in
// flight, and ensures the engine is observably terminal (ABORTED, if it
// was not already COMPLETED/ERROR) before returning. Idempotent.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.state.Terminal() {
		e.abortLocal(KindAborted)
	}
	e.mu.Unlock()
	e.timer.shutdown()
}

// drain runs the state machine forward as far as the buffered bytes
// allow. Each step function reports whether it needs more input to make
// further progress.
func (e *Engine) drain() {
	for {
		if e.state.Terminal() {
			return
		}
		var needMore bool
		switch e.state {
		case StateExpectingSOH:
			needMore = e.stepExpectingSOH()
		case StateSenderWaitInit:
			needMore = e.stepSenderWaitInit()
		case StateWaitingForAck:
			needMore = e.stepWaitingForAck()
		case StateWaitingForEOTAck:
			needMore = e.stepWaitingForEOTAck()
		default:
			return
		}
		if needMore {
			return
		}
	}
}

// setState performs the (single, per invariant 1) state transition for
// this engine step.
func (e *Engine) setState(s TransferState) {
	e.logger.Debug("xmodem state transition", "from", e.state, "to", s)
	e.state = s
}

func (e *Engine) closeSinkIfAny() {
	if e.sink != nil {
		_ = e.sink.Close()
		e.sink = nil
	}
}

// sendBytes writes p to the transport. On permanent transport failure the
// engine transitions directly to ERROR without attempting CAN: if the
// transport is gone, there is nowhere for CAN to go either.
func (e *Engine) sendBytes(p []byte) bool {
	if e.state.Terminal() {
		return false
	}
	if err := e.transport.Send(p); err != nil {
		e.transportError(err)
		return false
	}
	return true
}

func (e *Engine) transportError(err error) {
	if e.state.Terminal() {
		return
	}
	e.timer.cancel()
	e.setState(StateError)
	e.closeSinkIfAny()
	e.buf = nil
	e.fileData = nil
	e.lastErr = newError(KindIoError, err)
}

// abortLocal is the canonical local-abort procedure: cancel the timer,
// emit CAN CAN if the transfer was active, and land in ABORTED. Used for
// retry exhaustion, unrecoverable sequence errors, and the public
// AbortLocal operation.
func (e *Engine) abortLocal(kind Kind) {
	if e.state.Terminal() {
		return
	}
	e.timer.cancel()
	if e.state != StateIdle {
		_ = e.transport.Send([]byte{CAN, CAN})
	}
	e.setState(StateAborted)
	e.closeSinkIfAny()
	e.buf = nil
	e.fileData = nil
	e.lastErr = newError(kind, nil)
}

// abortRemote handles an inbound CAN: same as abortLocal but never emits
// CAN itself.
func (e *Engine) abortRemote() {
	if e.state.Terminal() {
		return
	}
	e.timer.cancel()
	e.setState(StateAborted)
	e.closeSinkIfAny()
	e.buf = nil
	e.fileData = nil
	e.lastErr = newError(KindRemoteCancelled, nil)
}

// abortWithIoError handles a sink write failure: this still emits CAN CAN
// (the remote needs to know the transfer died) but the terminal state is
// ERROR rather than ABORTED, since this was not a deliberate
// cancellation.
func (e *Engine) abortWithIoError(err error) {
	if e.state.Terminal() {
		return
	}
	e.timer.cancel()
	if e.state != StateIdle {
		_ = e.transport.Send([]byte{CAN, CAN})
	}
	e.setState(StateError)
	e.closeSinkIfAny()
	e.buf = nil
	e.fileData = nil
	e.lastErr = newError(KindIoError, err)
}

func (e *Engine) verifyIntegrity(payload, trailer []byte) bool {
	if e.useCRC {
		if len(trailer) != 2 {
			return false
		}
		crc := crc16Xmodem(payload)
		return trailer[0] == byte(crc>>8) && trailer[1] == byte(crc&0xff)
	}
	if len(trailer) != 1 {
		return false
	}
	return trailer[0] == checksum8(payload)
}

var errNilSink = errors.New("xmodem: nil sink")
