package jtag

import (
	"github.com/sirupsen/logrus"

	"github.com/jtagctl/jtagctl/svf"
	"github.com/jtagctl/jtagctl/tap"
	"github.com/jtagctl/jtagctl/transport"
)

// Handler is the entry point the command-line tools use: it owns a single
// open transport and the handful of whole-TAP operations built on top of
// it (reset, SVF playback, a bare IR/DR transfer, idling for N clocks).
type Handler struct {
	t   transport.Transport
	log *logrus.Entry
}

// Open resolves iface the same way the original tooling's -d flag did:
// "mctp" selects the MCTP OEM JTAG transport, anything starting with the
// full "/dev/" prefix opens that path as a jtag character device. Every
// other selector is rejected outright, rather than silently matching on a
// partial "/dev" prefix.
func Open(iface string, cfg transport.Config) (*Handler, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	t, err := transport.Open(iface, cfg)
	if err != nil {
		return nil, err
	}
	return &Handler{t: t, log: log}, nil
}

// Close releases the underlying transport.
func (h *Handler) Close() error {
	return h.t.Close()
}

// Transport exposes the underlying transport, for callers (such as the
// SVF interpreter) that need to drive it directly.
func (h *Handler) Transport() transport.Transport {
	return h.t
}

// Reset drives the TAP to TEST-LOGIC-RESET and back to RUN-TEST/IDLE, the
// same two-step reset every one of the command-line tools performs before
// doing anything else.
func (h *Handler) Reset() error {
	if err := h.t.SetState(tap.TLR); err != nil {
		return err
	}
	return h.t.SetState(tap.RTI)
}

// LoadSVF plays path against the handler's transport.
func (h *Handler) LoadSVF(path string, singleStep bool) error {
	ip := svf.NewInterpreter(h.t, svf.Config{
		SingleStep: singleStep,
		Log:        h.log,
	})
	return ip.LoadFile(path)
}

// SendCommand shifts an instruction into the IR and settles in IDLE, the
// same target state jtag_rw's -c flag uses.
func (h *Handler) SendCommand(bits int, cmd []byte) error {
	return h.t.ShiftIR(bits, cmd, nil, tap.RTI)
}

// TransferData shifts out (and, if out is nil, a zeroed buffer of the
// same length) and returns the captured response, settling in IDLE.
func (h *Handler) TransferData(bits int, out []byte) ([]byte, error) {
	if out == nil {
		out = make([]byte, (bits+7)/8)
	}
	in := make([]byte, (bits+7)/8)
	if err := h.t.ShiftDR(bits, out, in, tap.RTI); err != nil {
		return nil, err
	}
	return in, nil
}

// RunTestIdle pulses TCK tcks times while resting in RUN-TEST/IDLE.
func (h *Handler) RunTestIdle(tcks int) error {
	return h.t.RunTCK(tap.RTI, tcks)
}
