package transport

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jtagctl/jtagctl/tap"
)

// afMCTP is AF_MCTP (linux/socket.h). It postdates x/sys/unix's constant
// table, so it is defined locally; unix.Socket takes a bare int for the
// domain and does not otherwise care whether the family is one it knows
// about.
const afMCTP = 45

const (
	mctpMsgTypeOEMJTAG = 0x5f
	// mctpTagOwner is MCTP_TAG_OWNER from linux/mctp.h: bit 3 of the tag
	// byte, set by the sender of a request to claim a reply tag.
	mctpTagOwner = 0x08

	mctpRecvTimeout = 3 * time.Second
)

const (
	cmdSetState uint8 = 1
	cmdTransfer uint8 = 2
)

// setStateMsgLen is cmd(1) + jtag_tap_state2{reset,from,endstate,pad,tck}(8).
const setStateMsgLen = 1 + 8

// xferHeaderLen is cmd(1) + jtag_xfer2{type,direction,from,endstate,padding,length}(12).
const xferHeaderLen = 1 + 12

// sockaddrMCTP mirrors the fixed-size part of struct sockaddr_mctp that
// sendto/recvfrom need: family, network, the remote endpoint id, message
// type and tag. The extended ifindex/hwaddr fields used for interface
// binding are not needed for sending to an already-routable EID.
type sockaddrMCTP struct {
	Family  uint16
	pad0    uint16
	Network uint32
	Addr    uint8
	Type    uint8
	Tag     uint8
	pad1    uint8
}

type mctpTransport struct {
	fd     int
	net    uint32
	eid    uint8
	closed atomic.Bool
	state  tap.State
	log    *logrus.Entry
}

func openMCTP(cfg Config) (Transport, error) {
	if cfg.EID == 0 {
		return nil, fmt.Errorf("transport: mctp eid must be nonzero")
	}
	fd, err := unix.Socket(afMCTP, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, wrapErr("mctp socket", err)
	}
	net := cfg.Net
	if net == 0 {
		net = 1
	}
	m := &mctpTransport{fd: fd, net: net, eid: cfg.EID, log: cfg.logger()}
	m.log.WithFields(logrus.Fields{"eid": cfg.EID, "net": net}).Debug("mctp jtag transport opened")
	return m, nil
}

func (m *mctpTransport) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}
	fd := m.fd
	m.fd = -1
	return wrapErr("mctp close", unix.Close(fd))
}

func (m *mctpTransport) State() tap.State {
	return m.state
}

func (m *mctpTransport) send(data []byte) error {
	addr := sockaddrMCTP{
		Family:  afMCTP,
		Network: m.net,
		Addr:    m.eid,
		Type:    mctpMsgTypeOEMJTAG,
		Tag:     mctpTagOwner,
	}
	n, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(m.fd),
		uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), 0,
		uintptr(unsafe.Pointer(&addr)), unsafe.Sizeof(addr))
	if errno != 0 {
		return wrapErr("mctp sendto", errno)
	}
	if int(n) != len(data) {
		return fmt.Errorf("transport: mctp short send (%d of %d bytes)", n, len(data))
	}
	return nil
}

func (m *mctpTransport) recv(buf []byte) (int, error) {
	if err := poll.WaitInput(m.fd, mctpRecvTimeout); err != nil {
		return 0, wrapErr("mctp recv timeout", err)
	}
	var addr sockaddrMCTP
	addrLen := uint32(unsafe.Sizeof(addr))
	n, _, errno := unix.Syscall6(unix.SYS_RECVFROM, uintptr(m.fd),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), uintptr(unix.MSG_TRUNC),
		uintptr(unsafe.Pointer(&addr)), uintptr(unsafe.Pointer(&addrLen)))
	if errno != 0 {
		return 0, wrapErr("mctp recvfrom", errno)
	}
	return int(n), nil
}

// roundTrip sends req and waits up to mctpRecvTimeout for a reply of
// exactly the same length (every OEM JTAG reply echoes the request's
// framing back with the data payload replaced).
func (m *mctpTransport) roundTrip(req []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := m.send(req); err != nil {
		return nil, err
	}
	resp := make([]byte, len(req))
	n, err := m.recv(resp)
	if err != nil {
		return nil, err
	}
	if n != len(req) {
		return nil, fmt.Errorf("transport: mctp reply size %d, want %d", n, len(req))
	}
	return resp, nil
}

func (m *mctpTransport) runTCK(end tap.State, tck uint32) error {
	req := make([]byte, setStateMsgLen)
	req[0] = cmdSetState
	req[1] = 0 // reset
	req[2] = uint8(tap.Current)
	req[3] = uint8(end)
	binary.LittleEndian.PutUint32(req[5:9], tck)
	if _, err := m.roundTrip(req); err != nil {
		return err
	}
	m.state = end
	return nil
}

func (m *mctpTransport) SetState(end tap.State) error {
	return m.runTCK(end, 0)
}

func (m *mctpTransport) RunTCK(end tap.State, tcks int) error {
	return m.runTCK(end, uint32(tcks))
}

func (m *mctpTransport) shift(typ uint8, bits int, tdi, tdo []byte, end tap.State) error {
	nbytes := (bits + 7) / 8
	req := make([]byte, xferHeaderLen+nbytes)
	req[0] = cmdTransfer
	req[1] = typ
	req[2] = 0
	req[3] = uint8(tap.Current)
	req[4] = uint8(end)
	binary.LittleEndian.PutUint32(req[9:13], uint32(bits))
	if tdi != nil {
		copy(req[xferHeaderLen:], tdi[:nbytes])
	}
	resp, err := m.roundTrip(req)
	if err != nil {
		return err
	}
	if tdo != nil {
		copy(tdo[:nbytes], resp[xferHeaderLen:])
	}
	m.state = end
	return nil
}

func (m *mctpTransport) ShiftIR(bits int, tdi, tdo []byte, end tap.State) error {
	return m.shift(xferTypeSIR, bits, tdi, tdo, end)
}

func (m *mctpTransport) ShiftDR(bits int, tdi, tdo []byte, end tap.State) error {
	return m.shift(xferTypeSDR, bits, tdi, tdo, end)
}

// SetTRST, SetFreq and GetFreq have no MCTP OEM JTAG command: the protocol
// only defines SET_STATE and TRANSFER.
func (m *mctpTransport) SetTRST(active bool) error { return ErrUnsupported }
func (m *mctpTransport) SetFreq(hz int) error      { return ErrUnsupported }
func (m *mctpTransport) GetFreq() (int, error)     { return 0, ErrUnsupported }
