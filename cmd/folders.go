package cmd

import (
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-export/imap"
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List the folders of the mailbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := loadAndLog(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		client, err := imap.Dial(cmd.Context(), imapOptions(cfg), logger)
		if err != nil {
			return err
		}
		defer client.Close()

		folders, err := client.Folders()
		if err != nil {
			return err
		}
		sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })

		data := pterm.TableData{{"Folder", "Delimiter", "Attributes"}}
		for _, f := range folders {
			delim := ""
			if f.Delimiter != 0 {
				delim = string(f.Delimiter)
			}
			data = append(data, []string{f.Name, delim, strings.Join(f.Attrs, " ")})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	rootCmd.AddCommand(foldersCmd)
}
