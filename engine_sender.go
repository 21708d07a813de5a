package xmodem

// StartSend begins a send transfer: source is loaded in full immediately
// and the engine waits for the receiver's mode-negotiation byte. An empty
// source is rejected outright (see DESIGN.md): there is nothing to
// transfer.
func (e *Engine) StartSend(source Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return ErrAlreadyActive
	}

	data, err := source.Load()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrEmptySource
	}

	e.fileData = data
	e.curBlockIndex = 0
	e.sendRetries = 0
	e.setState(StateSenderWaitInit)
	e.timer.arm(e.cfg.InitTimeout, e.onSenderTimeout)
	return nil
}

// stepSenderWaitInit consumes the receiver's mode-negotiation byte (or a
// CAN) and, on success, sends the first block.
func (e *Engine) stepSenderWaitInit() bool {
	if len(e.buf) == 0 {
		return true
	}

	b := e.buf[0]
	e.buf = e.buf[1:]

	switch b {
	case CAN:
		e.abortRemote()
		return false
	case CharC:
		e.useCRC = true
		e.timer.cancel()
		e.sendRetries = 0
		e.sendNextBlock()
		return false
	case NAK:
		e.useCRC = false
		e.timer.cancel()
		e.sendRetries = 0
		e.sendNextBlock()
		return false
	default:
		// Anything else while waiting for mode negotiation is noise.
		return false
	}
}

// sendNextBlock frames and transmits the block at curBlockIndex, or
// transitions to EOT handling once every block has been acknowledged.
func (e *Engine) sendNextBlock() {
	if e.curBlockIndex*blockSize >= len(e.fileData) {
		e.sendEOTFrame()
		return
	}

	payload := e.blockPayload(e.curBlockIndex)
	blkNum := byte((e.curBlockIndex + 1) & 0xff)

	frame := make([]byte, 0, 3+blockSize+2)
	frame = append(frame, SOH, blkNum, ^blkNum)
	frame = append(frame, payload...)
	if e.useCRC {
		crc := crc16Xmodem(payload)
		frame = append(frame, byte(crc>>8), byte(crc&0xff))
	} else {
		frame = append(frame, checksum8(payload))
	}

	if !e.sendBytes(frame) {
		return
	}
	e.setState(StateWaitingForAck)
	e.timer.arm(e.cfg.AckTimeout, e.onSenderTimeout)
}

// blockPayload returns the 128-byte, SUB-padded payload for block index i.
func (e *Engine) blockPayload(i int) []byte {
	start := i * blockSize
	end := start + blockSize
	payload := make([]byte, blockSize)
	if end > len(e.fileData) {
		end = len(e.fileData)
	}
	n := copy(payload, e.fileData[start:end])
	for j := n; j < blockSize; j++ {
		payload[j] = SUB
	}
	return payload
}

// stepWaitingForAck consumes the receiver's response to the last block
// sent: ACK advances, NAK retries, CAN aborts.
func (e *Engine) stepWaitingForAck() bool {
	if len(e.buf) == 0 {
		return true
	}

	b := e.buf[0]
	e.buf = e.buf[1:]

	switch b {
	case ACK:
		e.timer.cancel()
		e.stats.BytesTransferred += int64(minInt(blockSize, len(e.fileData)-e.curBlockIndex*blockSize))
		e.stats.BlocksTransferred++
		e.curBlockIndex++
		e.sendRetries = 0
		e.sendNextBlock()
		return false

	case NAK:
		e.timer.cancel()
		e.sendRetries++
		if e.sendRetries >= e.cfg.MaxRetries {
			e.abortLocal(KindRetryExhausted)
			return false
		}
		e.sendNextBlock()
		return false

	case CAN:
		e.abortRemote()
		return false

	default:
		return false
	}
}

// sendEOTFrame sends EOT and waits for the final ACK.
func (e *Engine) sendEOTFrame() {
	if !e.sendBytes([]byte{EOT}) {
		return
	}
	e.setState(StateWaitingForEOTAck)
	e.timer.arm(e.cfg.EOTAckTimeout, e.onSenderTimeout)
}

// stepWaitingForEOTAck consumes the receiver's response to EOT. An ACK
// completes the transfer, a CAN aborts, and anything else is discarded:
// the timer, not stray bytes, drives EOT-ack retry.
func (e *Engine) stepWaitingForEOTAck() bool {
	if len(e.buf) == 0 {
		return true
	}

	b := e.buf[0]
	e.buf = e.buf[1:]

	switch b {
	case ACK:
		e.timer.cancel()
		e.setState(StateCompleted)
		e.fileData = nil
		e.buf = nil
		return false

	case CAN:
		e.abortRemote()
		return false

	default:
		return false
	}
}

// onSenderTimeout fires when the receiver fails to respond before the
// armed deadline, re-entering the engine under the lock.
func (e *Engine) onSenderTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateSenderWaitInit:
		e.sendRetries++
		if e.sendRetries >= e.cfg.MaxInitRetries {
			e.abortLocal(KindRemoteInitiationTimeout)
			return
		}
		e.timer.arm(e.cfg.InitTimeout, e.onSenderTimeout)

	case StateWaitingForAck:
		e.sendRetries++
		if e.sendRetries >= e.cfg.MaxRetries {
			e.abortLocal(KindRetryExhausted)
			return
		}
		e.sendNextBlock()

	case StateWaitingForEOTAck:
		e.sendRetries++
		if e.sendRetries >= e.cfg.MaxRetries {
			e.abortLocal(KindRetryExhausted)
			return
		}
		e.sendEOTFrame()
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
