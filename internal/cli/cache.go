package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/threatintel/internal/cache"
	"github.com/ppiankov/threatintel/internal/model"
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the VirusTotal verdict cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached VirusTotal verdicts",
	Long: `Remove every cached VirusTotal verdict from cache.dir, so the next
enriched cycle looks each address up again.

Example:
  threatintel cache clear`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return clearCache(cmd.OutOrStdout(), appConfig.Cache, appConfig.VT.CacheTTL)
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func clearCache(w io.Writer, cfg model.CacheConfig, ttl time.Duration) error {
	if cfg.Dir == "" {
		fmt.Fprintln(w, "Verdict cache is kept in memory only; nothing to clear")
		return nil
	}

	cfg.Enabled = true
	if err := cache.New(cfg, ttl).Clear(); err != nil {
		return fmt.Errorf("clear cache %s: %w", cfg.Dir, err)
	}
	fmt.Fprintf(w, "Cleared verdict cache: %s\n", cfg.Dir)
	return nil
}
