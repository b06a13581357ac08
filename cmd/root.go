package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-export/config"
)

var rootCmd = &cobra.Command{
	Use:   "imap-export",
	Short: "Download messages from an IMAP mailbox into EML, mbox, JSON and CSV exports",
	Long: "imap-export fetches selected messages from an IMAP folder over a bounded pool of sessions " +
		"and writes them to per-message EML files, per-folder mbox archives and batch JSON/CSV indexes.\n\n" +
		"Re-running a download skips messages that are already present in every requested format.",
	SilenceUsage: true,
}

func init() {
	config.RegisterFlags(rootCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
