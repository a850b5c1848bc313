package transport

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"github.com/sirupsen/logrus"

	"github.com/jtagctl/jtagctl/tap"
)

// maxChunkBytes is the size of the scratch buffer the kernel jtag character
// device will accept in a single JTAG_IOCXFER call. IR shifts longer than
// this are rejected outright; DR shifts longer than this are split into
// consecutive chunks that stay in SHIFT-DR until the last one.
const maxChunkBytes = 256

type device struct {
	fd        int
	closed    atomic.Bool
	state     tap.State
	allowTRST bool
	log       *logrus.Entry
}

func openDevice(path string, cfg Config) (Transport, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("open %s", path), err)
	}
	d := &device{fd: fd, allowTRST: cfg.AllowTRST, log: cfg.logger()}

	if err := d.SetMode(cfg.Mode); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	if cfg.FreqHz > 0 {
		if err := d.SetFreq(cfg.FreqHz); err != nil {
			syscall.Close(fd)
			return nil, err
		}
	}
	if err := d.syncState(); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	d.log.WithField("state", d.state).Debug("jtag device opened")
	return d, nil
}

func (d *device) syncState() error {
	var val uint32
	if err := ioctl.Ioctl(uintptr(d.fd), jtagGiocStatus, uintptr(unsafe.Pointer(&val))); err != nil {
		return wrapErr("jtag get status", err)
	}
	d.state = tap.State(val)
	return nil
}

func (d *device) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	fd := d.fd
	d.fd = -1
	return wrapErr("jtag close", syscall.Close(fd))
}

func (d *device) State() tap.State {
	return d.state
}

// SetMode switches between the driver's hardware and bit-banged
// personalities. It is not part of the Transport interface (MCTP has
// nothing to switch) but device callers may use it directly at open time.
func (d *device) SetMode(m Mode) error {
	v := uint32(m)
	if err := ioctl.Ioctl(uintptr(d.fd), jtagSiocMode, uintptr(unsafe.Pointer(&v))); err != nil {
		return wrapErr("jtag set mode", err)
	}
	return nil
}

func (d *device) SetState(end tap.State) error {
	if d.closed.Load() {
		return ErrClosed
	}
	st := jtagTapState{Reset: 0, From: uint8(tap.Current), EndState: uint8(end), TCK: 0}
	if err := ioctl.Ioctl(uintptr(d.fd), jtagSiocState, uintptr(unsafe.Pointer(&st))); err != nil {
		return wrapErr("jtag set state", err)
	}
	d.state = end
	return nil
}

func (d *device) RunTCK(end tap.State, tcks int) error {
	if d.closed.Load() {
		return ErrClosed
	}
	for tcks > 0 {
		n := tcks
		if n > 255 {
			n = 255
		}
		endState := tap.Current
		if n == tcks {
			endState = end
		}
		st := jtagTapState{Reset: 0, From: uint8(tap.Current), EndState: uint8(endState), TCK: uint8(n)}
		if err := ioctl.Ioctl(uintptr(d.fd), jtagSiocState, uintptr(unsafe.Pointer(&st))); err != nil {
			return wrapErr("jtag run tck", err)
		}
		tcks -= n
		if endState != tap.Current {
			d.state = endState
		}
	}
	if tcks == 0 && end != tap.Current && d.state != end {
		return d.SetState(end)
	}
	return nil
}

func (d *device) xfer(typ uint8, bits int, tdi, tdo []byte, end tap.State) error {
	nbytes := (bits + 7) / 8
	scratch := make([]byte, nbytes)
	if tdi != nil {
		copy(scratch, tdi[:nbytes])
	}
	dir := uint8(xferDirReadWrite)
	if tdo == nil {
		dir = xferDirWrite
	}
	x := jtagXfer{
		Type:      typ,
		Direction: dir,
		From:      uint8(tap.Current),
		EndState:  uint8(end),
		Length:    uint32(bits),
	}
	if nbytes > 0 {
		x.Tdio = uint64(uintptr(unsafe.Pointer(&scratch[0])))
	}
	if err := ioctl.Ioctl(uintptr(d.fd), jtagIocXfer, uintptr(unsafe.Pointer(&x))); err != nil {
		return wrapErr("jtag xfer", err)
	}
	if tdo != nil {
		copy(tdo[:nbytes], scratch)
	}
	d.state = end
	return nil
}

func (d *device) ShiftIR(bits int, tdi, tdo []byte, end tap.State) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if (bits+7)/8 > maxChunkBytes {
		return fmt.Errorf("transport: ir data len too long (%d bits)", bits)
	}
	if err := d.SetState(tap.ShfIR); err != nil {
		return err
	}
	return d.xfer(xferTypeSIR, bits, tdi, tdo, end)
}

func (d *device) ShiftDR(bits int, tdi, tdo []byte, end tap.State) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := d.SetState(tap.ShfDR); err != nil {
		return err
	}
	remaining := bits
	index := 0
	for remaining > 0 {
		n := (remaining + 7) / 8
		if n > maxChunkBytes {
			n = maxChunkBytes
		}
		chunkBits := n * 8
		if chunkBits > remaining {
			chunkBits = remaining
		}
		chunkEnd := tap.ShfDR
		remaining -= chunkBits
		if remaining == 0 {
			chunkEnd = end
		}
		var tdiChunk, tdoChunk []byte
		if tdi != nil {
			tdiChunk = tdi[index : index+n]
		}
		if tdo != nil {
			tdoChunk = tdo[index : index+n]
		}
		if err := d.xfer(xferTypeSDR, chunkBits, tdiChunk, tdoChunk, chunkEnd); err != nil {
			return err
		}
		index += n
	}
	return nil
}

func (d *device) SetTRST(active bool) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.allowTRST {
		return ErrUnsupported
	}
	var v uint32
	if active {
		v = 1
	}
	if err := ioctl.Ioctl(uintptr(d.fd), jtagSiocTRST, uintptr(unsafe.Pointer(&v))); err != nil {
		return wrapErr("jtag set trst", err)
	}
	return nil
}

func (d *device) SetFreq(hz int) error {
	if d.closed.Load() {
		return ErrClosed
	}
	v := uint32(hz)
	if err := ioctl.Ioctl(uintptr(d.fd), jtagSiocFreq, uintptr(unsafe.Pointer(&v))); err != nil {
		return wrapErr("jtag set freq", err)
	}
	return nil
}

func (d *device) GetFreq() (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	var v uint32
	if err := ioctl.Ioctl(uintptr(d.fd), jtagGiocFreq, uintptr(unsafe.Pointer(&v))); err != nil {
		return 0, wrapErr("jtag get freq", err)
	}
	return int(v), nil
}
