package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/apex"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/payload"
)

var (
	planBinary     string
	planConfigPath string
	planApexes     []string
	planDebug      bool
	planExtraApks  int
)

var payloadCmd = &cobra.Command{
	Use:   "payload",
	Short: "Work with payload disks",
}

var payloadPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compute the payload disk layout for an app",
	Long: `Resolve the APEX catalog, select the modules the payload needs, and
print the resulting disk layout without touching any image files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPayloadPlan()
	},
}

func init() {
	rootCmd.AddCommand(payloadCmd)
	payloadCmd.AddCommand(payloadPlanCmd)

	payloadPlanCmd.Flags().StringVar(&planBinary, "binary", "", "payload binary name inside the app package")
	payloadPlanCmd.Flags().StringVar(&planConfigPath, "config-path", "", "payload config path inside the app package")
	payloadPlanCmd.Flags().StringSliceVar(&planApexes, "apex", nil, "APEX module names the payload needs")
	payloadPlanCmd.Flags().BoolVar(&planDebug, "debug", false, "include debug-required modules")
	payloadPlanCmd.Flags().IntVar(&planExtraApks, "extra-apks", 0, "number of extra application packages")

	payloadPlanCmd.Flags().StringVar(&apexInfoPath, "info", "/apex/apex-info-list.xml", "path to the apex-info-list document")
	payloadPlanCmd.Flags().BoolVar(&apexEarlyBoot, "early-boot", false, "use preinstalled APEX images")
	payloadPlanCmd.Flags().StringVar(&apexDerive, "derive", "/apex/com.android.sdkext/bin/derive_classpath", "classpath derivation executable")
}

func runPayloadPlan() error {
	if planBinary == "" && planConfigPath == "" {
		return errors.New("one of --binary or --config-path is required")
	}
	if planBinary != "" && planConfigPath != "" {
		return errors.New("--binary and --config-path are mutually exclusive")
	}

	list, err := newCatalogLoader().Load()
	if err != nil {
		return err
	}

	debug := apex.DebugNone
	if planDebug {
		debug = apex.DebugFull
	}
	selected, err := apex.Select(list.Clone(), planApexes, debug)
	if err != nil {
		return err
	}

	builder := payload.NewBuilder(apexEarlyBoot, cliLogger())
	plan, err := builder.PlanDisk(payload.App{
		BinaryName: planBinary,
		ConfigPath: planConfigPath,
	}, selected, planExtraApks)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}
