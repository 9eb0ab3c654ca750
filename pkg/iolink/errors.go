package iolink

import "errors"

var (
	// ErrTransfer indicates the exchange failed on the wire: a DMA fault,
	// a line error, or a reply shorter than its header declares.
	ErrTransfer = errors.New("transfer error")
	// ErrTimeout indicates no complete reply arrived within the deadline.
	// The link has been quiesced and is ready for the next exchange.
	ErrTimeout = errors.New("exchange timeout")
	// ErrCRC indicates a complete reply failed checksum validation, or the
	// peer flagged the request as corrupt.
	ErrCRC = errors.New("crc mismatch")
	// ErrClosed indicates the engine is not initialized.
	ErrClosed = errors.New("link closed")
	// ErrBadFrame indicates a frame too short or too long to decode.
	ErrBadFrame = errors.New("malformed frame")
)
