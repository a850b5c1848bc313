// Package transport implements the two JTAG TAP transports the rest of the
// module drives: the in-kernel jtag character device (accessed through the
// 0xb2 ioctl family) and the MCTP OEM JTAG message protocol carried over an
// AF_MCTP datagram socket. Both satisfy the Transport interface so the SVF
// interpreter and the jtag facade never need to know which one is in use.
package transport

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jtagctl/jtagctl/tap"
)

// Mode selects between the hardware-backed and software (bit-banged)
// personalities the jtag character device driver exposes. It is carried
// straight through to JTAG_SIOCMODE.
type Mode uint32

const (
	ModeHW Mode = 0
	ModeSW Mode = 1
)

// Config carries everything a backend needs at open time. Not every field
// is meaningful to every backend: EID and Net are MCTP-only, AllowTRST
// guards a wire operation neither the kernel driver nor the BMC firmware
// this was modeled on actually wires up (see DESIGN.md).
type Config struct {
	Mode      Mode
	FreqHz    int
	LogLevel  logrus.Level
	EID       uint8
	Net       uint32
	AllowTRST bool
	Log       *logrus.Entry
}

func (c Config) logger() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	l := logrus.New()
	l.SetLevel(c.LogLevel)
	return logrus.NewEntry(l)
}

// Transport is a JTAG TAP transport: something that can move the TAP
// controller through states and shift bits into IR or DR.
type Transport interface {
	// Close releases the underlying handle. Further calls fail with
	// ErrClosed.
	Close() error

	// State returns the transport's last known TAP state.
	State() tap.State

	// SetState drives the TAP directly to end, asserting TCK as many
	// times as the backend needs to get there.
	SetState(end tap.State) error

	// RunTCK pulses TCK tcks times while resting in the controller's
	// current stable state, then settles in end.
	RunTCK(end tap.State, tcks int) error

	// ShiftIR shifts bits bits of tdi into the instruction register,
	// capturing the response into tdo (which may be nil, or may alias
	// tdi), and leaves the TAP in end.
	ShiftIR(bits int, tdi, tdo []byte, end tap.State) error

	// ShiftDR is ShiftIR's data-register counterpart.
	ShiftDR(bits int, tdi, tdo []byte, end tap.State) error

	// SetTRST asserts or deasserts the TRST wire, if the backend and
	// configuration allow it. Backends that cannot drive TRST, or that
	// were opened with AllowTRST false, return ErrUnsupported.
	SetTRST(active bool) error

	// SetFreq and GetFreq control the TCK frequency in Hz. A backend
	// that has no frequency control (MCTP) returns ErrUnsupported.
	SetFreq(hz int) error
	GetFreq() (int, error)
}

// Open opens a Transport for the given interface selector. "mctp" selects
// the MCTP OEM JTAG backend; anything beginning with the full "/dev/"
// prefix opens that path as a jtag character device. Any other selector is
// rejected.
func Open(iface string, cfg Config) (Transport, error) {
	switch {
	case iface == "mctp":
		return openMCTP(cfg)
	case strings.HasPrefix(iface, "/dev/"):
		return openDevice(iface, cfg)
	default:
		return nil, fmt.Errorf("transport: unsupported jtag interface %q", iface)
	}
}
