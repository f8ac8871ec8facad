package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/floegence/skillrunner/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Result cache administration",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge cached run results",
	Long: `Purge cached run results. By default only the skill cache namespace is
purged; --temp purges the temp-skill namespace instead, --all purges both.`,
	RunE: runCachePurge,
}

func init() {
	cachePurgeCmd.Flags().Bool("temp", false, "Purge the temp-skill cache namespace")
	cachePurgeCmd.Flags().Bool("all", false, "Purge every cache namespace")
	cacheCmd.AddCommand(cachePurgeCmd)
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "state", "state.db"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()

	namespace := store.CacheNamespaceSkill
	if temp, _ := cmd.Flags().GetBool("temp"); temp {
		namespace = store.CacheNamespaceTemp
	}
	if all, _ := cmd.Flags().GetBool("all"); all {
		namespace = ""
	}

	n, err := st.PurgeCache(cmd.Context(), namespace)
	if err != nil {
		return err
	}
	label := namespace
	if label == "" {
		label = "all namespaces"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d cache entries (%s)\n", n, label)
	return nil
}
