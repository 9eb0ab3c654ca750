package wire

import (
	"io"
	"time"
)

// Wire is the byte transport beneath a link device: a serial port or an
// equivalent emulation. Reads honor the timeout set by SetReadTimeout and
// return n == 0 with a nil error when it expires; a zero timeout blocks
// until data arrives.
type Wire interface {
	io.ReadWriteCloser
	SetReadTimeout(time.Duration) error
}
