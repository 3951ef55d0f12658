package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/device"
)

var (
	dtboIndex uint32
	dtboOut   string
)

var dtboCmd = &cobra.Command{
	Use:   "dtbo",
	Short: "Work with device tree overlay images",
}

var dtboInspectCmd = &cobra.Command{
	Use:   "inspect [image]",
	Short: "Print the overlay table header and entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDtboInspect(args[0])
	},
}

var dtboExtractCmd = &cobra.Command{
	Use:   "extract [image]",
	Short: "Extract one overlay blob from the image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDtboExtract(args[0])
	},
}

func init() {
	rootCmd.AddCommand(dtboCmd)
	dtboCmd.AddCommand(dtboInspectCmd)
	dtboCmd.AddCommand(dtboExtractCmd)

	dtboExtractCmd.Flags().Uint32Var(&dtboIndex, "index", 0, "table index of the entry to extract")
	dtboExtractCmd.Flags().StringVarP(&dtboOut, "out", "o", "", "output file (default: stdout)")
}

func openExtractor(image string) (*device.Extractor, *os.File, error) {
	f, err := os.Open(image)
	if err != nil {
		return nil, nil, err
	}
	ex, err := device.NewExtractor(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return ex, f, nil
}

func runDtboInspect(image string) error {
	ex, f, err := openExtractor(image)
	if err != nil {
		return err
	}
	defer f.Close()

	h := ex.Header()
	fmt.Printf("magic:          %#x\n", h.Magic)
	fmt.Printf("total size:     %d\n", h.TotalSize)
	fmt.Printf("entry count:    %d\n", h.EntryCount)
	fmt.Printf("entries offset: %d\n", h.EntriesOffset)
	fmt.Printf("version:        %d\n", h.Version)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSIZE\tOFFSET\tID\tREV")
	for i := uint32(0); i < ex.EntryCount(); i++ {
		e, err := ex.Entry(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%#x\t%#x\n", i, e.Size, e.Offset, e.ID, e.Rev)
	}
	return tw.Flush()
}

func runDtboExtract(image string) error {
	ex, f, err := openExtractor(image)
	if err != nil {
		return err
	}
	defer f.Close()

	blob, err := ex.ExtractEntry(dtboIndex)
	if err != nil {
		return err
	}

	if dtboOut == "" {
		_, err = os.Stdout.Write(blob)
		return err
	}
	return os.WriteFile(dtboOut, blob, 0o644)
}
