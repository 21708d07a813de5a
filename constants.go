package xmodem

import "time"

// Control bytes (single octet), per the XMODEM wire protocol.
const (
	SOH   byte = 0x01 // Start of block header (128-byte payload follows)
	EOT   byte = 0x04 // End of transmission
	ACK   byte = 0x06 // Acknowledge
	NAK   byte = 0x15 // Negative acknowledge / checksum-mode request
	CAN   byte = 0x18 // Cancel
	SUB   byte = 0x1A // Padding byte for a short final block
	CharC byte = 0x43 // 'C' — CRC-mode request
)

// blockSize is the fixed XMODEM payload size. XMODEM-1K is out of scope.
const blockSize = 128

// Default timing parameters.
const (
	DefaultInitTimeout    = 10 * time.Second
	DefaultAckTimeout     = 5 * time.Second
	DefaultEOTAckTimeout  = 5 * time.Second
	DefaultMaxInitRetries = 6
	DefaultMaxRetries     = 10
)
