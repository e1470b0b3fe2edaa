package hw

import (
	"fmt"
	"sync/atomic"

	"github.com/ardnew/softehci/pkg/dma"
)

// Descriptor geometry.
const (
	QHSize     = 64 // Bytes per queue head slot
	TDSize     = 32 // Bytes per qTD slot
	QHWords    = QHSize / 4
	TDWords    = TDSize / 4
	MaxPages   = 5                       // Buffer pointers per qTD
	MaxTDBytes = MaxPages * dma.PageSize // Upper bound on offset+length
	SetupSize  = 8                       // SETUP packet length
)

// PID is the token type of a qTD.
type PID uint8

// PID codes.
const (
	PIDOut   PID = 0
	PIDIn    PID = 1
	PIDSetup PID = 2
)

// String returns the token name.
func (p PID) String() string {
	switch p {
	case PIDOut:
		return "OUT"
	case PIDIn:
		return "IN"
	case PIDSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("PID(%d)", uint8(p))
	}
}

// Speed is the endpoint speed (EPS) encoding of a queue head.
type Speed uint8

// Endpoint speeds.
const (
	SpeedFull Speed = 0
	SpeedLow  Speed = 1
	SpeedHigh Speed = 2
)

// qTD status bits (token bits 7:0).
const (
	StatusActive     = 0x80
	StatusHalted     = 0x40
	StatusBufferErr  = 0x20
	StatusBabble     = 0x10
	StatusXactErr    = 0x08
	StatusMissedUF   = 0x04
	StatusSplitState = 0x02
	StatusPing       = 0x01

	// StatusErrorMask selects the bits that report a failed transaction.
	StatusErrorMask = 0x7C
)

// Link is a horizontal or next-qTD pointer: a 32-byte aligned physical
// address, a type field and a terminate bit.
type Link uint32

// Link fields.
const (
	LinkTerminate Link = 1 << 0
	LinkTypeMask  Link = 3 << 1
	LinkTypeQH    Link = 1 << 1
	linkAddrMask  Link = ^Link(0x1F)
)

// QHLink returns a link to the queue head at p.
func QHLink(p dma.PhysAddr) Link { return Link(p)&linkAddrMask | LinkTypeQH }

// TDLink returns a link to the qTD at p.
func TDLink(p dma.PhysAddr) Link { return Link(p) & linkAddrMask }

// Terminated reports whether the T bit is set.
func (l Link) Terminated() bool { return l&LinkTerminate != 0 }

// Addr returns the physical address the link points to.
func (l Link) Addr() dma.PhysAddr { return dma.PhysAddr(l & linkAddrMask) }

// IsQH reports whether the link type is queue head.
func (l Link) IsQH() bool { return l&LinkTypeMask == LinkTypeQH }

// Token is the third word of a qTD.
type Token uint32

const (
	tokenToggle     Token = 1 << 31
	tokenBytesShift       = 16
	tokenBytesMask  Token = 0x7FFF << tokenBytesShift
	tokenIOC        Token = 1 << 15
	tokenCPageShift       = 12
	tokenCPageMask  Token = 7 << tokenCPageShift
	tokenCErrShift        = 10
	tokenCErrMask   Token = 3 << tokenCErrShift
	tokenPIDShift         = 8
	tokenPIDMask    Token = 3 << tokenPIDShift
	tokenStatusMask Token = 0xFF
)

// MakeToken returns an active token with interrupt-on-complete set.
func MakeToken(pid PID, n int, toggle bool, cerr int) Token {
	t := Token(StatusActive) | tokenIOC |
		Token(pid)<<tokenPIDShift&tokenPIDMask |
		Token(cerr)<<tokenCErrShift&tokenCErrMask |
		Token(n)<<tokenBytesShift&tokenBytesMask
	if toggle {
		t |= tokenToggle
	}
	return t
}

// Status returns the status byte.
func (t Token) Status() uint8 { return uint8(t & tokenStatusMask) }

// Active reports whether the controller owns the descriptor.
func (t Token) Active() bool { return t&StatusActive != 0 }

// Bytes returns the number of bytes remaining to transfer.
func (t Token) Bytes() int { return int(t&tokenBytesMask) >> tokenBytesShift }

// PID returns the token type.
func (t Token) PID() PID { return PID(t & tokenPIDMask >> tokenPIDShift) }

// Toggle returns the data toggle bit.
func (t Token) Toggle() bool { return t&tokenToggle != 0 }

// IOC reports whether interrupt-on-complete is set.
func (t Token) IOC() bool { return t&tokenIOC != 0 }

// CErr returns the remaining error budget.
func (t Token) CErr() int { return int(t&tokenCErrMask) >> tokenCErrShift }

// CPage returns the current buffer page index.
func (t Token) CPage() int { return int(t&tokenCPageMask) >> tokenCPageShift }

// WithStatus returns t with the status byte replaced.
func (t Token) WithStatus(s uint8) Token { return t&^tokenStatusMask | Token(s) }

// WithBytes returns t with the remaining byte count replaced.
func (t Token) WithBytes(n int) Token {
	return t&^tokenBytesMask | Token(n)<<tokenBytesShift&tokenBytesMask
}

// WithToggle returns t with the data toggle replaced.
func (t Token) WithToggle(on bool) Token {
	if on {
		return t | tokenToggle
	}
	return t &^ tokenToggle
}

// WithCErr returns t with the error budget replaced.
func (t Token) WithCErr(n int) Token {
	return t&^tokenCErrMask | Token(n)<<tokenCErrShift&tokenCErrMask
}

// WithCPage returns t with the current page index replaced.
func (t Token) WithCPage(n int) Token {
	return t&^tokenCPageMask | Token(n)<<tokenCPageShift&tokenCPageMask
}

// Chars is the endpoint characteristics word of a queue head.
type Chars uint32

const (
	charsNakShift       = 28
	charsControl  Chars = 1 << 27
	charsMPSShift       = 16
	charsMPSMask  Chars = 0x7FF << charsMPSShift
	charsHead     Chars = 1 << 15
	charsDTC      Chars = 1 << 14
	charsEPSShift       = 12
	charsEPSMask  Chars = 3 << charsEPSShift
	charsEPShift        = 8
	charsEPMask   Chars = 0xF << charsEPShift
	charsAddrMask Chars = 0x7F
)

// EndpointChars collects the fields of a [Chars] word.
type EndpointChars struct {
	Address     uint8
	Endpoint    uint8
	Speed       Speed
	MaxPacket   int
	NakReload   int
	Control     bool // Control endpoint on a full/low-speed device
	DTC         bool // Toggle comes from the qTD
	ReclaimHead bool
}

// Pack encodes e.
func (e EndpointChars) Pack() Chars {
	c := Chars(e.NakReload&0xF)<<charsNakShift |
		Chars(e.MaxPacket)<<charsMPSShift&charsMPSMask |
		Chars(e.Speed)<<charsEPSShift&charsEPSMask |
		Chars(e.Endpoint)<<charsEPShift&charsEPMask |
		Chars(e.Address)&charsAddrMask
	if e.Control {
		c |= charsControl
	}
	if e.DTC {
		c |= charsDTC
	}
	if e.ReclaimHead {
		c |= charsHead
	}
	return c
}

// Address returns the device address.
func (c Chars) Address() uint8 { return uint8(c & charsAddrMask) }

// Endpoint returns the endpoint number.
func (c Chars) Endpoint() uint8 { return uint8(c & charsEPMask >> charsEPShift) }

// Speed returns the endpoint speed.
func (c Chars) Speed() Speed { return Speed(c & charsEPSMask >> charsEPSShift) }

// MaxPacket returns the maximum packet length.
func (c Chars) MaxPacket() int { return int(c&charsMPSMask) >> charsMPSShift }

// NakReload returns the NAK counter reload value.
func (c Chars) NakReload() int { return int(c >> charsNakShift) }

// Control reports the control endpoint flag.
func (c Chars) Control() bool { return c&charsControl != 0 }

// DTC reports whether the data toggle comes from the qTD.
func (c Chars) DTC() bool { return c&charsDTC != 0 }

// ReclaimHead reports the H bit.
func (c Chars) ReclaimHead() bool { return c&charsHead != 0 }

// Caps is the endpoint capabilities word of a queue head.
type Caps uint32

// MakeCaps encodes the capabilities word.
func MakeCaps(mult, hubAddr, hubPort, cmask, smask uint8) Caps {
	return Caps(mult&3)<<30 |
		Caps(hubPort&0x7F)<<23 |
		Caps(hubAddr&0x7F)<<16 |
		Caps(cmask)<<8 |
		Caps(smask)
}

// Mult returns the high-bandwidth pipe multiplier.
func (c Caps) Mult() int { return int(c >> 30) }

// HubPort returns the transaction translator port.
func (c Caps) HubPort() uint8 { return uint8(c>>23) & 0x7F }

// HubAddress returns the transaction translator hub address.
func (c Caps) HubAddress() uint8 { return uint8(c>>16) & 0x7F }

// CMask returns the split completion mask.
func (c Caps) CMask() uint8 { return uint8(c >> 8) }

// SMask returns the interrupt schedule mask.
func (c Caps) SMask() uint8 { return uint8(c) }

// Queue head word indices.
const (
	qhHorizontal = 0
	qhChars      = 1
	qhCaps       = 2
	qhCurrent    = 3
	qhOverlay    = 4
)

// qTD word indices.
const (
	tdNext    = 0
	tdAltNext = 1
	tdToken   = 2
	tdBuffer  = 3
)

// TD is a view of a queue transfer descriptor, or of the overlay area of a
// queue head.
type TD struct{ w []uint32 }

// NewTD wraps the TDWords words at w.
func NewTD(w []uint32) TD { return TD{w: w[:TDWords:TDWords]} }

// Next returns the next qTD pointer.
func (d TD) Next() Link { return Link(atomic.LoadUint32(&d.w[tdNext])) }

// SetNext stores the next qTD pointer.
func (d TD) SetNext(l Link) { atomic.StoreUint32(&d.w[tdNext], uint32(l)) }

// AltNext returns the alternate next qTD pointer.
func (d TD) AltNext() Link { return Link(atomic.LoadUint32(&d.w[tdAltNext])) }

// SetAltNext stores the alternate next qTD pointer.
func (d TD) SetAltNext(l Link) { atomic.StoreUint32(&d.w[tdAltNext], uint32(l)) }

// Token returns the token word.
func (d TD) Token() Token { return Token(atomic.LoadUint32(&d.w[tdToken])) }

// SetToken stores the token word.
func (d TD) SetToken(t Token) { atomic.StoreUint32(&d.w[tdToken], uint32(t)) }

// Buffer returns buffer pointer i.
func (d TD) Buffer(i int) uint32 { return atomic.LoadUint32(&d.w[tdBuffer+i]) }

// SetBuffer stores buffer pointer i.
func (d TD) SetBuffer(i int, v uint32) { atomic.StoreUint32(&d.w[tdBuffer+i], v) }

// Offset returns the byte offset held in the low bits of buffer pointer 0.
func (d TD) Offset() int { return int(d.Buffer(0) & 0xFFF) }

// Page returns the physical frame of buffer pointer i.
func (d TD) Page(i int) dma.PhysAddr { return dma.PhysAddr(d.Buffer(i) &^ 0xFFF) }

// CopyFrom copies src into d, storing the token last so that a reader never
// sees an active token with stale pointers.
func (d TD) CopyFrom(src TD) {
	for i := range d.w {
		if i != tdToken {
			atomic.StoreUint32(&d.w[i], atomic.LoadUint32(&src.w[i]))
		}
	}
	d.SetToken(src.Token())
}

// Zero clears every word.
func (d TD) Zero() {
	for i := range d.w {
		atomic.StoreUint32(&d.w[i], 0)
	}
}

// QH is a view of a queue head.
type QH struct{ w []uint32 }

// NewQH wraps the QHWords words at w.
func NewQH(w []uint32) QH { return QH{w: w[:QHWords:QHWords]} }

// Horizontal returns the horizontal link pointer.
func (q QH) Horizontal() Link { return Link(atomic.LoadUint32(&q.w[qhHorizontal])) }

// SetHorizontal stores the horizontal link pointer.
func (q QH) SetHorizontal(l Link) { atomic.StoreUint32(&q.w[qhHorizontal], uint32(l)) }

// Chars returns the endpoint characteristics.
func (q QH) Chars() Chars { return Chars(atomic.LoadUint32(&q.w[qhChars])) }

// SetChars stores the endpoint characteristics.
func (q QH) SetChars(c Chars) { atomic.StoreUint32(&q.w[qhChars], uint32(c)) }

// SetReclaimHead sets or clears the H bit. Only software writes the
// characteristics word.
func (q QH) SetReclaimHead(on bool) {
	c := q.Chars()
	if on {
		c |= charsHead
	} else {
		c &^= charsHead
	}
	q.SetChars(c)
}

// Caps returns the endpoint capabilities.
func (q QH) Caps() Caps { return Caps(atomic.LoadUint32(&q.w[qhCaps])) }

// SetCaps stores the endpoint capabilities.
func (q QH) SetCaps(c Caps) { atomic.StoreUint32(&q.w[qhCaps], uint32(c)) }

// Current returns the current qTD pointer.
func (q QH) Current() dma.PhysAddr {
	return dma.PhysAddr(atomic.LoadUint32(&q.w[qhCurrent])) &^ 0x1F
}

// SetCurrent stores the current qTD pointer.
func (q QH) SetCurrent(p dma.PhysAddr) { atomic.StoreUint32(&q.w[qhCurrent], uint32(p)&^0x1F) }

// Overlay returns the transfer overlay area.
func (q QH) Overlay() TD { return NewTD(q.w[qhOverlay:]) }

// Zero clears every word.
func (q QH) Zero() {
	for i := range q.w {
		atomic.StoreUint32(&q.w[i], 0)
	}
}
