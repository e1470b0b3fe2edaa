package hw

// Capability registers (offsets from the register base).
const (
	CapLength = 0x00 // Capability register length (8-bit)
	HCSParams = 0x04 // Structural parameters
	HCCParams = 0x08 // Capability parameters
)

// Operational registers (offsets from the register base plus CAPLENGTH).
const (
	USBCmd           = 0x00 // Command
	USBSts           = 0x04 // Status
	USBIntr          = 0x08 // Interrupt enable
	FrIndex          = 0x0C // Frame index
	CtrlDSSegment    = 0x10 // Upper 32 bits of 64-bit structure addresses
	PeriodicListBase = 0x14 // Periodic frame list base address
	AsyncListAddr    = 0x18 // Current asynchronous list address
	ConfigFlag       = 0x40 // Configured flag
	PortSCBase       = 0x44 // First port status/control register
)

// PortSC returns the offset of the status/control register of port i
// (0-indexed).
func PortSC(i int) uint32 {
	return PortSCBase + uint32(i)*4
}

// HCSPARAMS fields.
const (
	HCSPortsMask = 0x0F // N_PORTS
)

// USBCMD bits.
const (
	CmdRun            = 1 << 0     // Run/Stop
	CmdReset          = 1 << 1     // Host controller reset
	CmdFrameListSize  = 3 << 2     // Frame list size (00 = 1024 entries)
	CmdPeriodicEnable = 1 << 4     // Periodic schedule enable
	CmdAsyncEnable    = 1 << 5     // Asynchronous schedule enable
	CmdIAAD           = 1 << 6     // Interrupt on async advance doorbell
	CmdITCMask        = 0xFF << 16 // Interrupt threshold control
	CmdITC8           = 0x08 << 16 // 8 micro-frames (1 ms)
)

// USBSTS bits. The low six bits are write-1-to-clear.
const (
	StsInt           = 1 << 0  // Transfer completed with IOC set
	StsErr           = 1 << 1  // Transfer completed with an error
	StsPortChange    = 1 << 2  // Port change detect
	StsFrameRollover = 1 << 3  // Frame list rollover
	StsHostError     = 1 << 4  // Host system error
	StsAsyncAdvance  = 1 << 5  // Interrupt on async advance
	StsHalted        = 1 << 12 // HCHalted
	StsReclamation   = 1 << 13 // Reclamation
	StsPeriodic      = 1 << 14 // Periodic schedule status
	StsAsync         = 1 << 15 // Asynchronous schedule status

	StsAckMask = 0x3F
)

// USBINTR values programmed by the driver.
const (
	IntrSetup = 0x3B // Everything except port change, during bring-up
	IntrAll   = 0x3F
)

// PORTSC bits.
const (
	PortConnect           = 1 << 0  // Current connect status
	PortConnectChange     = 1 << 1  // Connect status change (W1C)
	PortEnable            = 1 << 2  // Port enabled
	PortEnableChange      = 1 << 3  // Port enable change (W1C)
	PortOverCurrent       = 1 << 4  // Over-current active
	PortOverCurrentChange = 1 << 5  // Over-current change (W1C)
	PortResume            = 1 << 6  // Force port resume
	PortSuspend           = 1 << 7  // Suspend
	PortReset             = 1 << 8  // Port reset
	PortLineStatus        = 3 << 10 // D+/D- line state
	PortLineK             = 1 << 10 // K-state: low-speed device attached
	PortPower             = 1 << 12 // Port power
	PortOwner             = 1 << 13 // Released to companion controller

	PortChangeMask = PortConnectChange | PortEnableChange | PortOverCurrentChange
)
