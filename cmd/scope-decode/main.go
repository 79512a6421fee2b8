// Command scope-decode decodes a previously captured analog waveform
// block from a file (raw signed-8-bit samples, no header) into a CSV of
// sample,volts pairs. Useful for offline inspection of raw sample bytes
// saved by a USB sniffer; scope-capture itself does not save raw data.
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/mgrimberger/siglent-sds-core/acquisition"
)

func main() {
	input := pflag.StringP("input", "i", "", "Raw waveform block file (required)")
	vdiv := pflag.Float64P("vdiv", "d", 1.0, "Vertical gain, volts/div")
	offset := pflag.Float64P("offset", "o", 0.0, "Vertical offset, volts")
	help := pflag.BoolP("help", "h", false, "Display help text")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Decode a raw analog waveform block to CSV.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help || *input == "" {
		pflag.Usage()
		if *input == "" {
			os.Exit(1)
		}
		os.Exit(0)
	}

	raw, err := os.ReadFile(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading %s: %s\n", *input, err)
		os.Exit(1)
	}

	samples := acquisition.DecodeAnalog(raw, *vdiv, *offset)

	w := csv.NewWriter(os.Stdout)
	defer w.Flush()
	_ = w.Write([]string{"sample", "volts"})
	for i, v := range samples {
		_ = w.Write([]string{strconv.Itoa(i), strconv.FormatFloat(float64(v), 'f', -1, 32)})
	}
}
