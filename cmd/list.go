package cmd

import (
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-export/config"
	"github.com/dhcgn/imap-export/imap"
	"github.com/dhcgn/imap-export/model"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List message headers in a folder, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := loadAndLog(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		f, err := newFilter(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		client, err := imap.Dial(ctx, imapOptions(cfg), logger)
		if err != nil {
			return err
		}
		defer client.Close()

		uids, err := listUIDs(client, cfg)
		if err != nil {
			return err
		}
		total := len(uids)
		// newest first; without criteria only the requested page is fetched
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
		if !f.Active() && listLimit > 0 && len(uids) > listLimit {
			uids = uids[:listLimit]
		}

		summaries, err := summarize(ctx, client, cfg.Folder, uids)
		if err != nil {
			return err
		}
		summaries = filterSummaries(summaries, f.Allows, listLimit)

		if err := pterm.DefaultTable.WithHasHeader().WithData(summaryTable(summaries)).Render(); err != nil {
			return err
		}
		pterm.Info.Printf("%d of %d messages in %s\n", len(summaries), total, cfg.Folder)
		return nil
	},
}

func init() {
	config.RegisterSelectionFlags(listCmd)
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum rows to show; 0 shows all")
	rootCmd.AddCommand(listCmd)
}

// filterSummaries keeps the allowed summaries, newest UID first, up to limit.
func filterSummaries(summaries []model.Summary, allow func(model.Summary) bool, limit int) []model.Summary {
	out := make([]model.Summary, 0, len(summaries))
	for _, s := range summaries {
		if allow(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID > out[j].UID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func summaryTable(summaries []model.Summary) pterm.TableData {
	data := pterm.TableData{{"UID", "Date", "From", "Subject", "Size"}}
	for _, s := range summaries {
		date := ""
		if !s.Date.IsZero() {
			date = s.Date.Format("2006-01-02 15:04")
		}
		data = append(data, []string{
			s.UID.String(),
			date,
			truncate(s.From, 40),
			truncate(s.Subject, 60),
			fmt.Sprintf("%d", s.Size),
		})
	}
	return data
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
