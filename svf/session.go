package svf

import "github.com/jtagctl/jtagctl/tap"

// xxr data-mask bits recording which of TDI/TDO/MASK/SMASK were supplied
// on the most recent HDR/HIR/TDR/TIR/SDR/SIR statement that touched this
// parameter block.
const (
	xxrTDI = 1 << iota
	xxrTDO
	xxrMask
	xxrSMask
)

// xxrPara is one of the six scan-parameter blocks SVF maintains across
// statements: HDR, HIR, TDR, TIR, SDR and SIR each keep their own length
// and buffers, which persist (and are reused) until a later statement of
// the same kind changes them.
type xxrPara struct {
	len              int
	tdi, tdo, mask, smask []byte
	dataMask         uint8
}

// TRSTMode mirrors the four values the TRST statement accepts.
type TRSTMode int

const (
	TRSTZ TRSTMode = iota
	TRSTAbsent
	TRSTOn
	TRSTOff
)

func (m TRSTMode) String() string {
	switch m {
	case TRSTZ:
		return "Z"
	case TRSTAbsent:
		return "ABSENT"
	case TRSTOn:
		return "ON"
	case TRSTOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// session holds the interpreter state that SVF statements accumulate and
// mutate as the file is read: the six scan parameter blocks, the end
// states each scan settles in, the RUNTEST defaults, and the TRST mode.
// It is reset to its initial values (via newSession) at the start of each
// Run call, matching svf_para's reinitialization in handle_svf_command.
type session struct {
	hdr, hir, tdr, tir, sdr, sir xxrPara

	drEndState tap.State
	irEndState tap.State

	runTestRunState tap.State
	runTestEndState tap.State

	trstMode TRSTMode

	// frequency is the Hz value requested by the most recent FREQUENCY
	// statement, or 0 if none has run yet.
	frequency int
}

func newSession() *session {
	return &session{
		drEndState:      tap.Idle,
		irEndState:      tap.Idle,
		runTestRunState: tap.Idle,
		runTestEndState: tap.Idle,
		trstMode:        TRSTZ,
	}
}
