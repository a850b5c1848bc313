package transport

import (
	ioctl "github.com/daedaluz/goioctl"
	"unsafe"
)

// jtagMagic is the ioctl magic byte the jtag character device registers
// its whole request family under.
const jtagMagic = 0xb2

// jtagTapState mirrors struct jtag_tap_state: the payload for
// JTAG_SIOCSTATE. From is normally tap.Current (stay where we are); Reset
// requests TRST be pulsed as part of the move.
type jtagTapState struct {
	Reset    uint8
	From     uint8
	EndState uint8
	TCK      uint8
}

// jtagXfer mirrors struct jtag_xfer: the payload for JTAG_IOCXFER. Tdio
// holds the address of a scratch buffer at least ceil(Length/8) bytes long
// that is both the bits to shift out and, on return, the bits shifted in.
type jtagXfer struct {
	Type      uint8
	Direction uint8
	From      uint8
	EndState  uint8
	Padding   uint32
	Length    uint32
	Tdio      uint64
}

const (
	xferTypeSIR = 0
	xferTypeSDR = 1

	xferDirRead      = 1
	xferDirWrite     = 2
	xferDirReadWrite = 3
)

// goioctl exposes IO/IOR/IOW (see the teacher's own ioctl_linux.go) but no
// IOWR helper. JTAG_IOCXFER and JTAG_GIOCSTATUS are the two bidirectional
// requests in the family; ioWR reproduces the same _IOC encoding IOR/IOW
// already use, just with both direction bits set.
func ioWR(t byte, nr byte, size uintptr) uintptr {
	const (
		nrBits   = 8
		typeBits = 8
		sizeBits = 14

		nrShift   = 0
		typeShift = nrShift + nrBits
		sizeShift = typeShift + typeBits
		dirShift  = sizeShift + sizeBits

		dirRead  = 2
		dirWrite = 1
	)
	dir := uintptr(dirRead | dirWrite)
	return dir<<dirShift | uintptr(size)<<sizeShift | uintptr(t)<<typeShift | uintptr(nr)<<nrShift
}

var (
	jtagSiocState  = ioctl.IOW(jtagMagic, 0, unsafe.Sizeof(jtagTapState{}))
	jtagSiocFreq   = ioctl.IOW(jtagMagic, 1, unsafe.Sizeof(uint32(0)))
	jtagGiocFreq   = ioctl.IOR(jtagMagic, 2, unsafe.Sizeof(uint32(0)))
	jtagIocXfer    = ioWR(jtagMagic, 3, unsafe.Sizeof(jtagXfer{}))
	jtagGiocStatus = ioWR(jtagMagic, 4, unsafe.Sizeof(uint32(0)))
	jtagSiocMode   = ioctl.IOW(jtagMagic, 5, unsafe.Sizeof(uint32(0)))
	jtagIocBitbang = ioctl.IOW(jtagMagic, 6, unsafe.Sizeof(uint32(0)))
	jtagSiocTRST   = ioctl.IOW(jtagMagic, 7, unsafe.Sizeof(uint32(0)))
)
