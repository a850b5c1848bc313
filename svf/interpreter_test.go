package svf

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jtagctl/jtagctl/tap"
)

// fakeTransport is an in-memory stand-in for a transport.Transport, used
// to exercise the interpreter without any real jtag hardware.
type fakeTransport struct {
	state tap.State

	shiftDRCalls []shiftCall
	shiftIRCalls []shiftCall
	runTCKCalls  []shiftCall

	// drResponses, if non-empty, are popped one per ShiftDR call and
	// written into the caller's tdo buffer instead of echoing tdi back.
	drResponses [][]byte
}

type shiftCall struct {
	bits int
	tdi  []byte
	end  tap.State
}

func (f *fakeTransport) Close() error                { return nil }
func (f *fakeTransport) State() tap.State            { return f.state }
func (f *fakeTransport) SetState(end tap.State) error { f.state = end; return nil }

// RunTCK mirrors the real device binding: a CURRENT end state means "stay
// put," so it leaves the recorded state alone instead of overwriting it
// with the sentinel value.
func (f *fakeTransport) RunTCK(end tap.State, tcks int) error {
	f.runTCKCalls = append(f.runTCKCalls, shiftCall{bits: tcks, end: end})
	if end != tap.Current {
		f.state = end
	}
	return nil
}
func (f *fakeTransport) SetTRST(active bool) error { return nil }
func (f *fakeTransport) SetFreq(hz int) error      { return nil }
func (f *fakeTransport) GetFreq() (int, error)     { return 0, nil }

func (f *fakeTransport) ShiftIR(bits int, tdi, tdo []byte, end tap.State) error {
	cp := append([]byte(nil), tdi...)
	f.shiftIRCalls = append(f.shiftIRCalls, shiftCall{bits, cp, end})
	f.state = end
	return nil
}

func (f *fakeTransport) ShiftDR(bits int, tdi, tdo []byte, end tap.State) error {
	cp := append([]byte(nil), tdi...)
	f.shiftDRCalls = append(f.shiftDRCalls, shiftCall{bits, cp, end})
	if len(f.drResponses) > 0 {
		resp := f.drResponses[0]
		f.drResponses = f.drResponses[1:]
		if tdo != nil {
			copy(tdo, resp)
		}
	}
	f.state = end
	return nil
}

func TestSDRWithoutCheckShiftsTDI(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	if err := ip.Run([]byte("SDR 8 TDI (AB);\n")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ft.shiftDRCalls) != 1 {
		t.Fatalf("expected 1 ShiftDR call, got %d", len(ft.shiftDRCalls))
	}
	call := ft.shiftDRCalls[0]
	if call.bits != 8 {
		t.Fatalf("bits = %d, want 8", call.bits)
	}
	if call.tdi[0] != 0xAB {
		t.Fatalf("tdi = %x, want ab", call.tdi[0])
	}
	if call.end != tap.Idle {
		t.Fatalf("end state = %v, want Idle", call.end)
	}
}

func TestSDRWithMatchingTDOPasses(t *testing.T) {
	ft := &fakeTransport{drResponses: [][]byte{{0xCD}}}
	ip := NewInterpreter(ft, Config{})
	src := "SDR 8 TDI (00) TDO (CD);\n"
	if err := ip.Run([]byte(src)); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSDRWithMismatchedTDOFails(t *testing.T) {
	ft := &fakeTransport{drResponses: [][]byte{{0xFF}}}
	ip := NewInterpreter(ft, Config{})
	src := "SDR 8 TDI (00) TDO (CD);\n"
	err := ip.Run([]byte(src))
	if err == nil {
		t.Fatal("expected a tdo mismatch error")
	}
	if !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("error = %v, want a mismatch message", err)
	}
}

func TestMaskIgnoresUnmaskedMismatch(t *testing.T) {
	// want CD, mask only covers the low nibble (0F); actual response DD
	// differs only in the high nibble, so it should still pass.
	ft := &fakeTransport{drResponses: [][]byte{{0xDD}}}
	ip := NewInterpreter(ft, Config{})
	src := "SDR 8 TDI (00) TDO (CD) MASK (0F);\n"
	if err := ip.Run([]byte(src)); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHeaderTrailerAssembly(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	src := "HDR 4 TDI (F);\nTDR 4 TDI (A);\nSDR 8 TDI (00);\n"
	if err := ip.Run([]byte(src)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ft.shiftDRCalls) != 1 {
		t.Fatalf("expected 1 ShiftDR call, got %d", len(ft.shiftDRCalls))
	}
	call := ft.shiftDRCalls[0]
	if call.bits != 16 {
		t.Fatalf("bits = %d, want 16 (4 header + 8 body + 4 trailer)", call.bits)
	}
}

func TestLoopRetriesUntilSuccess(t *testing.T) {
	// First two attempts mismatch, third matches; LOOP 3 should retry
	// twice and succeed silently on the third pass.
	ft := &fakeTransport{drResponses: [][]byte{{0x00}, {0x00}, {0xAB}}}
	ip := NewInterpreter(ft, Config{})
	src := "LOOP 3;\nSDR 8 TDI (00) TDO (AB);\nENDLOOP;\n"
	if err := ip.Run([]byte(src)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ft.shiftDRCalls) != 3 {
		t.Fatalf("expected 3 retries, got %d", len(ft.shiftDRCalls))
	}
}

func TestLoopFailsWhenFinalAttemptStillMismatches(t *testing.T) {
	// LOOP 2 allows one retry; if the second and final attempt also
	// mismatches, that failure is checked immediately (the loop counter
	// already reached zero on the first ENDLOOP) and must surface as an
	// error rather than being silently swallowed.
	ft := &fakeTransport{drResponses: [][]byte{{0x00}, {0x00}}}
	ip := NewInterpreter(ft, Config{})
	src := "LOOP 2;\nSDR 8 TDI (00) TDO (AB);\nENDLOOP;\n"
	if err := ip.Run([]byte(src)); err == nil {
		t.Fatal("expected the exhausted loop's final mismatch to surface as an error")
	}
	if len(ft.shiftDRCalls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(ft.shiftDRCalls))
	}
}

func TestLoopSucceedsOnFinalAttempt(t *testing.T) {
	// Same as above, but the second and final attempt matches: the loop
	// counter already reached zero, so this is checked like an ordinary
	// statement and passes cleanly.
	ft := &fakeTransport{drResponses: [][]byte{{0x00}, {0xAB}}}
	ip := NewInterpreter(ft, Config{})
	src := "LOOP 2;\nSDR 8 TDI (00) TDO (AB);\nENDLOOP;\n"
	if err := ip.Run([]byte(src)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ft.shiftDRCalls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(ft.shiftDRCalls))
	}
}

func TestStateMovesToFinalStateOnly(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	if err := ip.Run([]byte("STATE RESET IDLE;\n")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ft.state != tap.RTI {
		t.Fatalf("state = %v, want RTI", ft.state)
	}
}

func TestTRSTLocksOutAfterAbsent(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	err := ip.Run([]byte("TRST ABSENT;\nTRST ON;\n"))
	if err == nil {
		t.Fatal("expected the second TRST command to be rejected once trst_mode is ABSENT")
	}
}

func TestTRSTAllowedByDefault(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	err := ip.Run([]byte("TRST OFF;\nTRST ON;\n"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	if err := ip.Run([]byte("BOGUS 1 2 3;\n")); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}

func TestPIOIsRejected(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	if err := ip.Run([]byte("PIO (10101010);\n")); err == nil {
		t.Fatal("expected PIO to be rejected as unsupported")
	}
}

func TestCMaskAcceptedAsMaskAlias(t *testing.T) {
	// want CD, CMASK covers only the low nibble; actual response DD
	// differs in the high nibble only, so it should still pass.
	ft := &fakeTransport{drResponses: [][]byte{{0xDD}}}
	ip := NewInterpreter(ft, Config{})
	src := "SDR 8 TDI (00) TDO (CD) CMASK (0F);\n"
	if err := ip.Run([]byte(src)); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRuntestRequiresRunCountOrMinTime(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	if err := ip.Run([]byte("RUNTEST IDLE;\n")); err == nil {
		t.Fatal("expected RUNTEST with neither run_count nor min_time to fail")
	}
}

func TestRuntestUsesCurrentAsRunTCKEndState(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	if err := ip.Run([]byte("RUNTEST IDLE 10 TCK;\n")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ft.runTCKCalls) != 1 {
		t.Fatalf("expected 1 RunTCK call, got %d", len(ft.runTCKCalls))
	}
	if ft.runTCKCalls[0].end != tap.Current {
		t.Fatalf("RunTCK end state = %v, want Current", ft.runTCKCalls[0].end)
	}
	if ft.runTCKCalls[0].bits != 10 {
		t.Fatalf("RunTCK count = %d, want 10", ft.runTCKCalls[0].bits)
	}
}

func TestRuntestBusyWaitsForMinTime(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})
	const minWait = 30 * time.Millisecond
	start := time.Now()
	src := fmt.Sprintf("RUNTEST IDLE %f SEC;\n", minWait.Seconds())
	if err := ip.Run([]byte(src)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < minWait {
		t.Fatalf("RUNTEST returned after %v, want at least %v", elapsed, minWait)
	}
}

func TestRunXRRejectsShiftOnceQueueIsFull(t *testing.T) {
	ft := &fakeTransport{}
	ip := NewInterpreter(ft, Config{})

	var src strings.Builder
	// LOOP 2 defers every statement's check until ENDLOOP; pack more than
	// maxPendingChecks TDO-bearing scans into the body so the queue
	// overflows mid-body, before ENDLOOP ever runs.
	src.WriteString("LOOP 2;\n")
	for i := 0; i < maxPendingChecks+1; i++ {
		src.WriteString("SDR 8 TDI (00) TDO (AB);\n")
	}
	src.WriteString("ENDLOOP;\n")

	err := ip.Run([]byte(src.String()))
	if err == nil {
		t.Fatal("expected the check queue to overflow")
	}
	if !strings.Contains(err.Error(), "queue full") {
		t.Fatalf("error = %v, want a queue-full message", err)
	}
	if len(ft.shiftDRCalls) != maxPendingChecks {
		t.Fatalf("shiftDRCalls = %d, want %d (no shift issued for the statement that overflowed the queue)",
			len(ft.shiftDRCalls), maxPendingChecks)
	}
}
