// Package svf implements an SVF (Serial Vector Format) interpreter: a
// tokenizer and a stateful command dispatcher that drives a jtag transport
// through the statements of an SVF file, the same way a JTAG programmer
// would play back a vector file produced by a boundary-scan tool.
package svf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jtagctl/jtagctl/bitbuf"
	"github.com/jtagctl/jtagctl/tap"
	"github.com/jtagctl/jtagctl/transport"
)

// Config controls how an Interpreter runs a file.
type Config struct {
	// SingleStep, if set, echoes each statement and waits for a newline
	// on stdin before executing it -- useful for stepping through a
	// file interactively while bringing up a new board.
	SingleStep bool

	// Progress, if non-nil, is called after each statement with the
	// percentage of the file consumed so far.
	Progress func(percent int)

	Log *logrus.Entry
}

// Interpreter runs SVF statements against a jtag transport, maintaining
// the scan-parameter and check-queue state a file's statements share.
type Interpreter struct {
	t   transport.Transport
	cfg Config
	log *logrus.Entry

	sess *session
	buf  scanLedger
	queue checkQueue

	tok        *tokenizer
	lineNo     int
	loopCount  int
	loopPos    int
	loopLine   int
}

func NewInterpreter(t transport.Transport, cfg Config) *Interpreter {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Interpreter{t: t, cfg: cfg, log: log}
}

// LoadFile reads path and runs it as an SVF program.
func (ip *Interpreter) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("svf: %w", err)
	}
	return ip.Run(data)
}

// Run executes the statements in data against ip's transport. It resets
// all session state first, the same way handle_svf_command resets
// svf_para to its initial value at the start of every file.
func (ip *Interpreter) Run(data []byte) error {
	ip.sess = newSession()
	ip.buf.reset()
	ip.queue.reset()
	ip.loopCount = 0

	ip.tok = newTokenizer(data)
	total := len(data)
	if total == 0 {
		total = 1
	}

	for {
		toks, line, err := ip.tok.next()
		if err == errEOF {
			break
		}
		if err != nil {
			return err
		}
		ip.lineNo = line

		if ip.cfg.SingleStep {
			fmt.Printf("%d\t%s\n", line, strings.Join(toks, " "))
			var discard string
			fmt.Scanln(&discard)
		}

		if err := ip.dispatch(toks); err != nil {
			return fmt.Errorf("svf:%d: %w", line, err)
		}

		if ip.loopCount == 0 {
			if fails := ip.queue.run(ip.buf.capture, ip.buf.expect, ip.buf.mask, false); len(fails) > 0 {
				return ip.reportMismatch(fails[0])
			}
		}

		if ip.cfg.Progress != nil {
			ip.cfg.Progress(ip.tok.pos * 100 / total)
		}
	}

	if fails := ip.queue.run(ip.buf.capture, ip.buf.expect, ip.buf.mask, false); len(fails) > 0 {
		return ip.reportMismatch(fails[0])
	}
	return nil
}

func (ip *Interpreter) reportMismatch(m mismatch) error {
	ip.log.WithFields(logrus.Fields{
		"line": m.lineNo,
		"read": encodeHex(m.got, m.bitLen),
		"want": encodeHex(m.want, m.bitLen),
		"mask": encodeHex(m.mask, m.bitLen),
	}).Error("svf tdo mismatch")
	return fmt.Errorf("svf:%d: tdo mismatch: read %s want %s mask %s",
		m.lineNo, encodeHex(m.got, m.bitLen), encodeHex(m.want, m.bitLen), encodeHex(m.mask, m.bitLen))
}

func (ip *Interpreter) dispatch(toks []string) error {
	if len(toks) == 0 {
		return nil
	}
	cmd, args := toks[0], toks[1:]
	switch cmd {
	case "HDR":
		return ip.xxr(&ip.sess.hdr, cmd, args)
	case "HIR":
		return ip.xxr(&ip.sess.hir, cmd, args)
	case "TDR":
		return ip.xxr(&ip.sess.tdr, cmd, args)
	case "TIR":
		return ip.xxr(&ip.sess.tir, cmd, args)
	case "SDR":
		if err := ip.xxr(&ip.sess.sdr, cmd, args); err != nil {
			return err
		}
		return ip.runSDR()
	case "SIR":
		if err := ip.xxr(&ip.sess.sir, cmd, args); err != nil {
			return err
		}
		return ip.runSIR()
	case "ENDDR":
		return ip.endState(args, &ip.sess.drEndState)
	case "ENDIR":
		return ip.endState(args, &ip.sess.irEndState)
	case "FREQUENCY":
		return ip.frequency(args)
	case "RUNTEST":
		return ip.runtest(args)
	case "STATE":
		return ip.state(args)
	case "TRST":
		return ip.trst(args)
	case "LOOP":
		return ip.loop(args)
	case "ENDLOOP":
		return ip.endloop()
	case "PIO", "PIOMAP":
		return fmt.Errorf("%s is not supported", cmd)
	default:
		return fmt.Errorf("unknown SVF command %q", cmd)
	}
}

func (ip *Interpreter) endState(args []string, dst *tap.State) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one state argument, got %d", len(args))
	}
	st, ok := tap.ByName(args[0])
	if !ok {
		return fmt.Errorf("unknown state %q", args[0])
	}
	if !st.IsStable() {
		return fmt.Errorf("end state %v is not stable", st)
	}
	*dst = st
	return nil
}

func (ip *Interpreter) frequency(args []string) error {
	switch len(args) {
	case 0:
		ip.sess.frequency = 0
		return nil
	case 2:
		if args[1] != "HZ" {
			return fmt.Errorf("expected HZ, got %q", args[1])
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid frequency %q: %w", args[0], err)
		}
		ip.sess.frequency = int(v)
	default:
		return fmt.Errorf("FREQUENCY takes 0 or 2 arguments, got %d", len(args))
	}
	if ip.sess.frequency <= 0 {
		return nil
	}
	cur, err := ip.t.GetFreq()
	if err == nil && cur != 0 {
		// Any nonzero frequency the transport reports is left in place,
		// however it was set; an SVF-requested frequency never
		// overrides it.
		return nil
	}
	if err := ip.t.SetFreq(ip.sess.frequency); err != nil && err != transport.ErrUnsupported {
		return err
	}
	return nil
}

func (ip *Interpreter) trst(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("TRST takes exactly one argument, got %d", len(args))
	}
	if ip.sess.trstMode == TRSTAbsent {
		return fmt.Errorf("cannot accept TRST command when trst_mode is ABSENT")
	}
	var mode TRSTMode
	switch args[0] {
	case "ON":
		mode = TRSTOn
	case "OFF":
		mode = TRSTOff
	case "Z":
		mode = TRSTZ
	case "ABSENT":
		mode = TRSTAbsent
	default:
		return fmt.Errorf("unknown TRST mode %q", args[0])
	}
	if err := ip.t.SetTRST(mode == TRSTOn); err != nil && err != transport.ErrUnsupported {
		return err
	}
	ip.sess.trstMode = mode
	return nil
}

func (ip *Interpreter) loop(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("LOOP takes exactly one argument, got %d", len(args))
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return fmt.Errorf("invalid loop count %q", args[0])
	}
	ip.loopPos, ip.loopLine = ip.tok.mark()
	ip.loopCount = n - 1
	return nil
}

func (ip *Interpreter) endloop() error {
	if ip.loopCount <= 0 {
		ip.loopCount = 0
		return nil
	}
	fails := ip.queue.run(ip.buf.capture, ip.buf.expect, ip.buf.mask, true)
	if len(fails) == 0 {
		ip.loopCount = 0
		return nil
	}
	ip.loopCount--
	ip.tok.seek(ip.loopPos, ip.loopLine)
	return nil
}

func (ip *Interpreter) state(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("STATE requires at least one state argument")
	}
	var states []tap.State
	for _, a := range args {
		st, ok := tap.ByName(a)
		if !ok {
			return fmt.Errorf("unknown state %q", a)
		}
		states = append(states, st)
	}
	final := states[len(states)-1]
	if !final.IsStable() {
		return fmt.Errorf("STATE final state %v is not stable", final)
	}
	// Intermediate states in a multi-state path are informational: the
	// transport (kernel driver or BMC firmware) owns the route between
	// two stable states and is given only the destination.
	return ip.t.SetState(final)
}

func (ip *Interpreter) runtest(args []string) error {
	i := 0
	runState := ip.sess.runTestRunState
	endState := ip.sess.runTestEndState
	if i < len(args) {
		if st, ok := tap.ByName(args[i]); ok && st.IsStable() {
			runState = st
			endState = st
			i++
		}
	}
	var runCount int
	haveRunCount := false
	if i+1 < len(args) && args[i+1] == "TCK" {
		n, err := strconv.Atoi(args[i])
		if err != nil {
			return fmt.Errorf("invalid run_count %q", args[i])
		}
		runCount = n
		haveRunCount = true
		i += 2
	}
	var minSeconds float64
	haveMinTime := false
	if i+1 < len(args) && args[i+1] == "SEC" {
		v, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			return fmt.Errorf("invalid min_time %q", args[i])
		}
		minSeconds = v
		haveMinTime = true
		i += 2
	}
	if i < len(args) && args[i] == "MAXIMUM" {
		i++
		if i+1 < len(args) && args[i+1] == "SEC" {
			i += 2
		}
	}
	if i < len(args) && args[i] == "ENDSTATE" {
		i++
		if i >= len(args) {
			return fmt.Errorf("ENDSTATE requires a state argument")
		}
		st, ok := tap.ByName(args[i])
		if !ok || !st.IsStable() {
			return fmt.Errorf("invalid RUNTEST end state %q", args[i])
		}
		endState = st
		i++
	}
	if i != len(args) {
		return fmt.Errorf("unexpected RUNTEST arguments starting at %q", strings.Join(args[i:], " "))
	}
	if !haveRunCount && !haveMinTime {
		return fmt.Errorf("RUNTEST requires a run_count TCK or a min_time SEC clause")
	}

	if err := ip.t.SetState(runState); err != nil {
		return err
	}
	var diff time.Duration
	if haveRunCount {
		start := time.Now()
		if err := ip.t.RunTCK(tap.Current, runCount); err != nil {
			return err
		}
		diff = time.Since(start)
	}
	if haveMinTime {
		remaining := time.Duration(minSeconds*float64(time.Second)) - diff
		deadline := time.Now().Add(remaining)
		for time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	if endState != runState {
		return ip.t.SetState(endState)
	}
	return nil
}

// xxr parses the shared HDR/HIR/TDR/TIR/SDR/SIR argument grammar:
// <length> [TDI (hex)] [TDO (hex)] [MASK (hex)] [SMASK (hex)], each
// parameter optional and order-independent, into para.
func (ip *Interpreter) xxr(para *xxrPara, cmd string, args []string) error {
	if len(args) == 0 || len(args)%2 != 1 || len(args) > 9 {
		return fmt.Errorf("%s: expected length followed by up to 4 (keyword value) pairs", cmd)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("%s: invalid length %q", cmd, args[0])
	}

	grow := n != para.len || para.tdi == nil
	para.len = n
	nbytes := (n + 7) / 8
	if grow {
		para.tdi = make([]byte, nbytes)
		para.tdo = make([]byte, nbytes)
		para.mask = make([]byte, nbytes)
		para.smask = make([]byte, nbytes)
	}
	para.dataMask = 0

	for i := 1; i < len(args); i += 2 {
		key := args[i]
		valTok := args[i+1]
		if len(valTok) < 2 || valTok[0] != '(' || valTok[len(valTok)-1] != ')' {
			return fmt.Errorf("%s: expected a parenthesized value after %s, got %q", cmd, key, valTok)
		}
		bin, err := decodeHex(valTok[1:len(valTok)-1], n)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		switch key {
		case "TDI":
			para.tdi = bin
			para.dataMask |= xxrTDI
		case "TDO":
			para.tdo = bin
			para.dataMask |= xxrTDO
		case "MASK", "CMASK":
			para.mask = bin
			para.dataMask |= xxrMask
		case "SMASK":
			para.smask = bin
			para.dataMask |= xxrSMask
		default:
			return fmt.Errorf("%s: unknown parameter %q", cmd, key)
		}
	}

	if para.dataMask&xxrMask == 0 && grow {
		m := make([]byte, nbytes)
		bitbuf.SetOnes(m, n)
		para.mask = m
	}
	if para.dataMask&xxrTDO == 0 {
		if para.tdo == nil {
			para.tdo = make([]byte, nbytes)
		}
		if para.mask == nil {
			para.mask = make([]byte, nbytes)
		}
		for i := range para.mask {
			para.mask[i] = 0
		}
	}
	return nil
}

// runSDR assembles HDR+SDR+TDR into one scan and shifts it through the
// data register.
func (ip *Interpreter) runSDR() error {
	return ip.runXR(&ip.sess.hdr, &ip.sess.sdr, &ip.sess.tdr, ip.t.ShiftDR, ip.sess.drEndState)
}

// runSIR is runSDR's instruction-register counterpart, assembling
// HIR+SIR+TIR.
func (ip *Interpreter) runSIR() error {
	return ip.runXR(&ip.sess.hir, &ip.sess.sir, &ip.sess.tir, ip.t.ShiftIR, ip.sess.irEndState)
}

type shiftFunc func(bits int, tdi, tdo []byte, end tap.State) error

func (ip *Interpreter) runXR(head, body, tail *xxrPara, shift shiftFunc, end tap.State) error {
	total := head.len + body.len + tail.len
	if total == 0 {
		return nil
	}
	scratch := make([]byte, (total+7)/8)
	off := 0
	bitbuf.SetBuf(scratch, off, head.tdi, 0, head.len)
	off += head.len
	bitbuf.SetBuf(scratch, off, body.tdi, 0, body.len)
	off += body.len
	bitbuf.SetBuf(scratch, off, tail.tdi, 0, tail.len)

	hasCheck := body.dataMask&xxrTDO != 0

	var base int
	if hasCheck {
		base = ip.buf.reserve(total)
		// Claim the queue slot before issuing the scan: a full queue is a
		// capacity error the scan must never be attempted against.
		if err := ip.queue.add(ip.lineNo, base, total); err != nil {
			return err
		}
		off = 0
		bitbuf.SetBuf(ip.buf.expect, base, head.tdo, 0, head.len)
		off += head.len
		bitbuf.SetBuf(ip.buf.expect, base+off, body.tdo, 0, body.len)
		off += body.len
		bitbuf.SetBuf(ip.buf.expect, base+off, tail.tdo, 0, tail.len)

		off = 0
		bitbuf.SetBuf(ip.buf.mask, base, head.mask, 0, head.len)
		off += head.len
		bitbuf.SetBuf(ip.buf.mask, base+off, body.mask, 0, body.len)
		off += body.len
		bitbuf.SetBuf(ip.buf.mask, base+off, tail.mask, 0, tail.len)
	}

	var tdo []byte
	if hasCheck {
		tdo = scratch // captured in place, mirroring the original's shared out/in scan_field pointers.
	}
	if err := shift(total, scratch, tdo, end); err != nil {
		return err
	}

	if hasCheck {
		bitbuf.SetBuf(ip.buf.capture, base, scratch, 0, total)
	}
	return nil
}
