package xmodem

// StartReceive begins a receive transfer: the engine emits the initial
// mode-negotiation byte (CharC if useCRC, else NAK) and arms the
// initiation timer. sink receives the decoded file bytes and is owned by
// the engine until completion or abort.
func (e *Engine) StartReceive(useCRC bool, sink Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sink == nil {
		return newError(KindSinkUnavailable, errNilSink)
	}
	if e.state != StateIdle {
		return ErrAlreadyActive
	}

	e.useCRC = useCRC
	e.sink = sink
	e.expectedBlock = 1
	e.receiveRetries = 0
	e.setState(StateReceiverInit)
	e.emitInitSignal()
	return nil
}

// emitInitSignal sends the mode-negotiation byte and arms the initiation
// timer. Called on entry to RECEIVER_INIT and on every init retry; each
// call is one counted emission.
func (e *Engine) emitInitSignal() {
	b := NAK
	if e.useCRC {
		b = CharC
	}
	if !e.sendBytes([]byte{b}) {
		return
	}
	e.receiveRetries++
	e.setState(StateExpectingSOH)
	e.timer.arm(e.cfg.InitTimeout, e.onReceiverTimeout)
}

// stepExpectingSOH consumes buffered bytes while in EXPECTING_SOH /
// RECEIVING, processing one control byte or one full block per pass.
// Returns true when the buffer is exhausted and more input is needed.
func (e *Engine) stepExpectingSOH() bool {
	if len(e.buf) == 0 {
		return true
	}

	switch e.buf[0] {
	case CAN:
		e.buf = e.buf[1:]
		e.abortRemote()
		return false

	case EOT:
		e.buf = e.buf[1:]
		e.handleEOT()
		return false

	case SOH:
		trailerLen := 1
		if e.useCRC {
			trailerLen = 2
		}
		frameLen := 1 + 2 + blockSize + trailerLen
		if len(e.buf) < frameLen {
			return true
		}

		e.timer.cancel()
		e.setState(StateReceiving)

		blkNum := e.buf[1]
		blkComp := e.buf[2]
		payload := e.buf[3 : 3+blockSize]
		trailer := e.buf[3+blockSize : frameLen]
		e.buf = e.buf[frameLen:]

		e.validateBlock(blkNum, blkComp, payload, trailer)
		return false

	default:
		// Garbage byte while expecting a frame start: discard and keep
		// waiting.
		e.buf = e.buf[1:]
		return false
	}
}

// validateBlock implements the receiver's per-block acceptance logic: a bad
// complement or failed integrity check is a block error; otherwise accept
// the expected block, silently re-ACK a duplicate of the previous block,
// or abort on any other block number.
func (e *Engine) validateBlock(blkNum, blkComp byte, payload, trailer []byte) {
	if blkComp != ^blkNum {
		e.handleBlockError()
		return
	}
	if !e.verifyIntegrity(payload, trailer) {
		e.handleBlockError()
		return
	}

	expected := byte(e.expectedBlock & 0xff)

	switch {
	case blkNum == expected:
		if _, err := e.sink.Write(payload); err != nil {
			e.abortWithIoError(err)
			return
		}
		e.stats.BytesTransferred += int64(len(payload))
		e.stats.BlocksTransferred++
		e.expectedBlock++
		e.receiveRetries = 0
		if !e.sendBytes([]byte{ACK}) {
			return
		}
		e.setState(StateExpectingSOH)
		e.timer.arm(e.cfg.AckTimeout, e.onReceiverTimeout)

	case e.expectedBlock > 1 && blkNum == byte((e.expectedBlock-1)&0xff):
		// Duplicate of the block we already wrote: our ACK must have been
		// lost. Re-ACK without rewriting, do not touch retry count.
		if !e.sendBytes([]byte{ACK}) {
			return
		}
		e.setState(StateExpectingSOH)
		e.timer.arm(e.cfg.AckTimeout, e.onReceiverTimeout)

	default:
		// Any other block number is an unrecoverable sequence error: no
		// NAK-and-retry makes sense, abort outright.
		e.abortLocal(KindProtocolViolation)
	}
}

// handleBlockError processes a malformed block (bad complement or failed
// integrity check): NAK and retry up to MaxRetries, then abort.
func (e *Engine) handleBlockError() {
	e.receiveRetries++
	if e.receiveRetries >= e.cfg.MaxRetries {
		e.abortLocal(KindRetryExhausted)
		return
	}
	if !e.sendBytes([]byte{NAK}) {
		return
	}
	e.setState(StateExpectingSOH)
	e.timer.arm(e.cfg.AckTimeout, e.onReceiverTimeout)
}

// handleEOT implements completion: ACK the EOT, trim trailing SUB padding
// from the sink, and transition to COMPLETED.
func (e *Engine) handleEOT() {
	e.timer.cancel()
	if !e.sendBytes([]byte{ACK}) {
		return
	}
	sink := e.sink
	e.sink = nil
	if sink != nil {
		if err := sink.Close(); err != nil {
			e.logger.Warn("xmodem: error closing sink on completion", "error", err)
		} else if err := sink.TrimTrailingPadding(SUB); err != nil {
			e.logger.Warn("xmodem: error trimming trailing padding", "error", err)
		}
	}
	e.setState(StateCompleted)
	e.buf = nil
}

// onReceiverTimeout fires when no progress was made before the armed
// deadline. It re-enters the engine under the lock, per timerService's
// contract, and retries the init signal or current ACK/NAK up to the
// applicable retry cap.
func (e *Engine) onReceiverTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateExpectingSOH:
		if e.expectedBlock == 1 {
			// Still negotiating mode: receiveRetries already counts the
			// emissions sent so far (emitInitSignal increments it). Once
			// the cap has been reached, abort without a further emission.
			if e.receiveRetries >= e.cfg.MaxInitRetries {
				e.abortLocal(KindLocalInitiationTimeout)
				return
			}
			e.setState(StateReceiverInit)
			e.emitInitSignal()
			return
		}
		e.receiveRetries++
		if e.receiveRetries >= e.cfg.MaxRetries {
			e.abortLocal(KindRetryExhausted)
			return
		}
		if !e.sendBytes([]byte{NAK}) {
			return
		}
		e.timer.arm(e.cfg.AckTimeout, e.onReceiverTimeout)
	}
}
