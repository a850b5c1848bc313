// Command loadsvf opens a jtag transport and plays an SVF file against it,
// the same job the original loadsvf tool did: open, reset, load, close,
// reporting how long programming took.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jtagctl/jtagctl"
	"github.com/jtagctl/jtagctl/transport"
)

const maxFreqMHz = 50

func main() {
	var (
		iface      string
		modeSW     bool
		eid        uint8
		net        uint32
		logLevel   int
		freqMHz    float64
		svfPath    string
		singleStep bool
	)

	cmd := &cobra.Command{
		Use:   "loadsvf",
		Short: "Play an SVF file against a jtag transport",
		RunE: func(_ *cobra.Command, _ []string) error {
			if svfPath == "" {
				return fmt.Errorf("loadsvf: -s <file.svf> is required")
			}
			if freqMHz < 0 || freqMHz > maxFreqMHz {
				return fmt.Errorf("loadsvf: frequency must be between 0 and %d MHz", maxFreqMHz)
			}

			log := logrus.New()
			log.SetLevel(mapLogLevel(logLevel))

			mode := transport.ModeHW
			if modeSW {
				mode = transport.ModeSW
			}
			cfg := transport.Config{
				Mode:     mode,
				FreqHz:   int(freqMHz * 1e6),
				LogLevel: log.GetLevel(),
				EID:      eid,
				Net:      net,
				Log:      logrus.NewEntry(log),
			}

			h, err := jtag.Open(iface, cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			if err := h.Reset(); err != nil {
				return err
			}

			start := time.Now()
			if err := h.LoadSVF(svfPath, singleStep); err != nil {
				return err
			}
			fmt.Printf("programming time is %d ms\n", time.Since(start).Milliseconds())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&iface, "device", "d", "", "jtag interface: /dev/<name> or \"mctp\"")
	flags.BoolVarP(&modeSW, "software", "m", false, "use the software (bit-banged) mode instead of hardware")
	flags.Uint8VarP(&eid, "eid", "e", 0, "MCTP endpoint id (mctp interface only)")
	flags.Uint32VarP(&net, "net", "n", 1, "MCTP network id (mctp interface only)")
	flags.IntVarP(&logLevel, "log-level", "l", 1, "log level: 0=debug 1=info 2=error")
	flags.Float64VarP(&freqMHz, "frequency", "f", 0, "TCK frequency in MHz (0 leaves it unchanged)")
	flags.StringVarP(&svfPath, "svf", "s", "", "SVF file to play")
	flags.BoolVarP(&singleStep, "single-step", "g", false, "echo and wait for Enter before each statement")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loadsvf:", err)
		os.Exit(1)
	}
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
