package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/apex"
)

var (
	apexInfoPath  string
	apexEarlyBoot bool
	apexDerive    string
	apexAsJSON    bool
)

var apexCmd = &cobra.Command{
	Use:   "apex",
	Short: "Work with the APEX catalog",
}

var apexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the resolved APEX catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApexList()
	},
}

func init() {
	rootCmd.AddCommand(apexCmd)
	apexCmd.AddCommand(apexListCmd)

	apexListCmd.Flags().StringVar(&apexInfoPath, "info", "/apex/apex-info-list.xml", "path to the apex-info-list document")
	apexListCmd.Flags().BoolVar(&apexEarlyBoot, "early-boot", false, "skip classpath derivation")
	apexListCmd.Flags().StringVar(&apexDerive, "derive", "/apex/com.android.sdkext/bin/derive_classpath", "classpath derivation executable")
	apexListCmd.Flags().BoolVar(&apexAsJSON, "json", false, "emit JSON instead of a table")
}

func newCatalogLoader() *apex.Loader {
	return apex.NewLoader(
		apexInfoPath,
		apexEarlyBoot,
		apex.DeriveClasspathCommand(apexDerive),
		cliLogger(),
	)
}

func runApexList() error {
	list, err := newCatalogLoader().Load()
	if err != nil {
		return err
	}

	if apexAsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tACTIVE\tFACTORY\tCLASSPATH\tPATH")
	for i := range list.Modules {
		m := &list.Modules[i]
		fmt.Fprintf(tw, "%s\t%d\t%t\t%t\t%t\t%s\n",
			m.Name, m.Version, m.IsActive, m.IsFactory, m.HasClasspathJar, m.Path)
	}
	return tw.Flush()
}
