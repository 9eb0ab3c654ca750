package iolink

import "encoding/binary"

// Wire frame layout shared with the IO processor: count/code byte, CRC
// byte, page, offset, then up to MaxRegs 16-bit registers, little-endian,
// byte-packed.
const (
	// MaxRegs is the register capacity of one frame.
	MaxRegs = 32
	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 4
	// MaxFrameSize is the largest encodable frame length in bytes.
	MaxFrameSize = HeaderSize + 2*MaxRegs
)

// Code bits carried in the high two bits of the count/code byte.
const (
	// ReqRead requests registers from the peer.
	ReqRead byte = 0x00
	// ReqWrite carries registers to the peer.
	ReqWrite byte = 0x40

	// RespSuccess marks a reply to a request the peer accepted.
	RespSuccess byte = 0x00
	// RespCorrupt marks a reply to a request that failed the peer's CRC.
	RespCorrupt byte = 0x40
	// RespError marks a reply to a request the peer rejected.
	RespError byte = 0x80

	// CodeMask selects the code bits of the count/code byte.
	CodeMask byte = 0xc0
	// CountMask selects the register count bits of the count/code byte.
	CountMask byte = 0x3f
)

// Packet is one request or reply frame.
type Packet struct {
	CountCode byte
	CRC       byte
	Page      byte
	Offset    byte
	Regs      [MaxRegs]uint16
}

// NewRead builds a request reading count registers from page:offset.
func NewRead(page, offset byte, count int) *Packet {
	if count > MaxRegs {
		count = MaxRegs
	}
	return &Packet{
		CountCode: ReqRead | byte(count)&CountMask,
		Page:      page,
		Offset:    offset,
	}
}

// NewWrite builds a request writing vals to page:offset.
func NewWrite(page, offset byte, vals []uint16) *Packet {
	if len(vals) > MaxRegs {
		vals = vals[:MaxRegs]
	}
	p := &Packet{
		CountCode: ReqWrite | byte(len(vals))&CountMask,
		Page:      page,
		Offset:    offset,
	}
	copy(p.Regs[:], vals)
	return p
}

// Code returns the request or response code bits.
func (p *Packet) Code() byte {
	return p.CountCode & CodeMask
}

// Count returns the register count declared in the header.
func (p *Packet) Count() int {
	return int(p.CountCode & CountMask)
}

// Size returns the encoded frame length in bytes.
func (p *Packet) Size() int {
	n := p.Count()
	if n > MaxRegs {
		n = MaxRegs
	}
	return HeaderSize + 2*n
}

// MarshalTo encodes the frame into buf, computing and storing the CRC
// field, and returns the encoded length. buf must hold Size() bytes.
func (p *Packet) MarshalTo(buf []byte) int {
	size := p.Size()
	buf[0] = p.CountCode
	buf[1] = 0
	buf[2] = p.Page
	buf[3] = p.Offset
	for i := 0; i < (size-HeaderSize)/2; i++ {
		binary.LittleEndian.PutUint16(buf[HeaderSize+2*i:], p.Regs[i])
	}
	p.CRC = frameCRC(buf[:size])
	buf[1] = p.CRC
	return size
}

// UnmarshalFrom decodes a frame from buf. Registers beyond the declared
// count are zeroed.
func (p *Packet) UnmarshalFrom(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrBadFrame
	}
	size := FrameSize(buf)
	if size > len(buf) || size > MaxFrameSize {
		return ErrBadFrame
	}
	p.CountCode = buf[0]
	p.CRC = buf[1]
	p.Page = buf[2]
	p.Offset = buf[3]
	n := (size - HeaderSize) / 2
	for i := 0; i < n; i++ {
		p.Regs[i] = binary.LittleEndian.Uint16(buf[HeaderSize+2*i:])
	}
	for i := n; i < MaxRegs; i++ {
		p.Regs[i] = 0
	}
	return nil
}

// FrameCode returns the code bits from a raw frame header.
func FrameCode(b []byte) byte {
	return b[0] & CodeMask
}

// FrameCount returns the register count a raw frame header declares.
func FrameCount(b []byte) int {
	return int(b[0] & CountMask)
}

// FrameSize returns the total length a raw frame header declares. The
// result exceeds MaxFrameSize when the header is garbage; callers treat
// that as a framing failure.
func FrameSize(b []byte) int {
	return HeaderSize + 2*FrameCount(b)
}

// VerifyFrame reports whether b starts with a frame whose declared length
// fits and whose CRC matches.
func VerifyFrame(b []byte) bool {
	if len(b) < HeaderSize {
		return false
	}
	size := FrameSize(b)
	if size > len(b) || size > MaxFrameSize {
		return false
	}
	return frameCRC(b[:size]) == b[1]
}

// crcTable is the CRC-8 lookup table (poly 0x07) used by the IO protocol.
var crcTable = makeCRCTable()

func makeCRCTable() (t [256]byte) {
	for i := range t {
		c := byte(i)
		for b := 0; b < 8; b++ {
			if c&0x80 != 0 {
				c = c<<1 ^ 0x07
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return
}

// frameCRC computes the frame checksum with the CRC byte position treated
// as zero.
func frameCRC(b []byte) byte {
	var c byte
	for i, v := range b {
		if i == 1 {
			v = 0
		}
		c = crcTable[c^v]
	}
	return c
}
