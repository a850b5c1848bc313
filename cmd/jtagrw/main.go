// Command jtagrw drives a jtag transport directly from the command line:
// an optional reset, an optional instruction shift, an optional data
// transfer, an optional idle run -- the same small set of operations the
// original jtag_rw tool exposed, rebuilt on the shared Handler/args-based
// API instead of jtag_rw.c's older single-backend int-handle one.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jtagctl/jtagctl"
	"github.com/jtagctl/jtagctl/transport"
)

func main() {
	var (
		iface       string
		eid         uint8
		net         uint32
		cmdBytes    string
		writeBytes  string
		bitLen      int
		runTicks    int
		printRead   bool
		resetFirst  bool
		logLevel    int
	)

	cmd := &cobra.Command{
		Use:   "jtagrw",
		Short: "Shift an instruction and/or data through a jtag transport",
		RunE: func(_ *cobra.Command, _ []string) error {
			if iface == "" {
				return fmt.Errorf("jtagrw: -d <interface> is required")
			}

			log := logrus.New()
			log.SetLevel(mapLogLevel(logLevel))
			cfg := transport.Config{LogLevel: log.GetLevel(), EID: eid, Net: net, Log: logrus.NewEntry(log)}

			h, err := jtag.Open(iface, cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			if resetFirst {
				if err := h.Reset(); err != nil {
					return err
				}
			}

			if cmdBytes != "" {
				data, bits, err := parseByteList(cmdBytes)
				if err != nil {
					return fmt.Errorf("jtagrw: -c: %w", err)
				}
				if err := h.SendCommand(bits, data); err != nil {
					return err
				}
			}

			if writeBytes != "" || bitLen > 0 {
				var data []byte
				bits := bitLen
				if writeBytes != "" {
					var err error
					data, bits, err = parseByteList(writeBytes)
					if err != nil {
						return fmt.Errorf("jtagrw: -w: %w", err)
					}
					if bitLen > 0 {
						bits = bitLen
					}
				}
				resp, err := h.TransferData(bits, data)
				if err != nil {
					return err
				}
				if printRead {
					fmt.Println(hex.EncodeToString(resp))
				}
			}

			if runTicks > 0 {
				if err := h.RunTestIdle(runTicks); err != nil {
					return err
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&iface, "device", "d", "", "jtag interface: /dev/<name> or \"mctp\"")
	flags.Uint8VarP(&eid, "eid", "e", 0, "MCTP endpoint id (mctp interface only)")
	flags.Uint32VarP(&net, "net", "n", 1, "MCTP network id (mctp interface only)")
	flags.StringVarP(&cmdBytes, "command", "c", "", "comma-separated instruction bytes to shift into IR")
	flags.StringVarP(&writeBytes, "write", "w", "", "comma-separated data bytes to shift into DR")
	flags.IntVarP(&bitLen, "length", "l", 0, "data length in bits (defaults to 8x the byte count)")
	flags.IntVarP(&runTicks, "runtest", "t", 0, "idle TCK pulses to run after any scan")
	flags.BoolVarP(&printRead, "read", "r", false, "print the captured DR response")
	flags.BoolVarP(&resetFirst, "init", "i", false, "reset the TAP before doing anything else")
	flags.IntVar(&logLevel, "log-level", 1, "log level: 0=debug 1=info 2=error")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jtagrw:", err)
		os.Exit(1)
	}
}

// parseByteList parses a comma-separated list of decimal or 0x-hex byte
// values, e.g. "0x12,34,0xAB", returning the bytes and their bit count.
func parseByteList(s string) ([]byte, int, error) {
	parts := strings.Split(s, ",")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseUint(p, 0, 8)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid byte %q: %w", p, err)
		}
		out = append(out, byte(v))
	}
	return out, len(out) * 8, nil
}

func mapLogLevel(l int) logrus.Level {
	switch l {
	case 0:
		return logrus.DebugLevel
	case 2:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
