package ioreg

// Register pages of the IO co-processor.
const (
	PageConfig byte = 0
	PageStatus byte = 1
	PageTest   byte = 127
)

// PageConfig registers, read-only.
const (
	RegConfigProtocolVersion byte = 0
	RegConfigMaxTransfer     byte = 1
)

// PageStatus registers, read-only.
const (
	RegStatusHeartbeat byte = 0
	RegStatusFrames    byte = 1
	RegStatusCRCErrors byte = 2
)

// PageTest registers, writable.
const (
	RegTestLED byte = 0
)

// ProtocolVersion is the protocol revision reported in PageConfig.
const ProtocolVersion = 4
