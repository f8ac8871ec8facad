package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/floegence/skillrunner/internal/models"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "Engine CLI administration",
}

var enginesUpgradeCmd = &cobra.Command{
	Use:   "upgrade <engine>",
	Short: "Upgrade an engine's CLI to its latest release",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnginesUpgrade,
}

func init() {
	enginesCmd.AddCommand(enginesUpgradeCmd)
}

func runEnginesUpgrade(cmd *cobra.Command, args []string) error {
	reg, err := newEngineRegistry()
	if err != nil {
		return err
	}
	adapter, ok := reg.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown engine %q (known: %v)", args[0], reg.Names())
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "upgrading %s (%s)...\n", adapter.Name, adapter.CLI)
	res, err := models.UpgradeCLI(cmd.Context(), adapter.Name, adapter.CLI)
	if res != nil && res.OutputSnippet != "" {
		fmt.Fprintln(out, res.OutputSnippet)
	}
	if err != nil {
		return err
	}
	before := res.VersionBefore
	if before == "" {
		before = "not installed"
	}
	after := res.VersionAfter
	if after == "" {
		after = "unknown"
	}
	fmt.Fprintf(out, "%s: %s -> %s\n", adapter.Name, before, after)
	return nil
}
