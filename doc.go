// Package jtag is a small JTAG TAP driver: it opens either a kernel jtag
// character device or an MCTP OEM JTAG endpoint, and plays SVF (Serial
// Vector Format) files against whichever one it opened.
//
// The transport package implements the two wire protocols, tap describes
// the IEEE 1149.1 state machine they drive, and svf is the interpreter
// that turns an SVF file into calls against a transport. This package
// ties the three together behind the handful of operations the
// loadsvf and jtagrw command-line tools need.
package jtag
