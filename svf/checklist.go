package svf

import (
	"fmt"

	"github.com/jtagctl/jtagctl/bitbuf"
)

// maxPendingChecks bounds the deferred check queue the same way
// svf_add_check_para bounds it: a file that issues thousands of scans
// between drain points is almost certainly missing the checks it meant to
// run, and failing loudly beats silently growing without bound.
const maxPendingChecks = 1024

// checkEntry is one scan awaiting comparison: a range of bits in the
// shared scan buffer, recorded at scan time and verified later, either at
// end of file, at a successful ENDLOOP retry, or after any statement run
// outside an active loop.
type checkEntry struct {
	lineNo    int
	bitOffset int
	bitLen    int
}

type checkQueue struct {
	entries []checkEntry
}

func (q *checkQueue) add(lineNo, bitOffset, bitLen int) error {
	if len(q.entries) >= maxPendingChecks {
		return fmt.Errorf("svf: pending TDO check queue full (%d entries)", maxPendingChecks)
	}
	q.entries = append(q.entries, checkEntry{lineNo, bitOffset, bitLen})
	return nil
}

func (q *checkQueue) reset() {
	q.entries = q.entries[:0]
}

// mismatch describes one failed comparison, detailed enough to log the
// same READ/WANT/MASK triple the original interpreter prints.
type mismatch struct {
	lineNo           int
	got, want, mask  []byte
	bitLen           int
}

// run compares every queued entry's captured bits (which the transport
// call wrote back in place into capture) against the expected bits and
// mask recorded at the same offset when the scan was assembled. It always
// drains the queue before returning. If silent is true, run keeps
// comparing after the first mismatch (used by ENDLOOP's own retry check,
// which only cares whether the queue is entirely clean) but still reports
// every failure found; if silent is false it stops at the first mismatch,
// matching svf_check_tdo's early return.
func (q *checkQueue) run(capture, expect, mask []byte, silent bool) []mismatch {
	defer q.reset()
	var failures []mismatch
	for _, e := range q.entries {
		got := make([]byte, (e.bitLen+7)/8)
		want := make([]byte, (e.bitLen+7)/8)
		m := make([]byte, (e.bitLen+7)/8)
		bitbuf.SetBuf(got, 0, capture, e.bitOffset, e.bitLen)
		bitbuf.SetBuf(want, 0, expect, e.bitOffset, e.bitLen)
		bitbuf.SetBuf(m, 0, mask, e.bitOffset, e.bitLen)
		if bitbuf.CompareMasked(got, want, m, e.bitLen) {
			failures = append(failures, mismatch{e.lineNo, got, want, m, e.bitLen})
			if !silent {
				return failures
			}
		}
	}
	return failures
}
