package cmd

import (
	"encoding/csv"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-export/filter"
	"github.com/dhcgn/imap-export/mbox"
	"github.com/dhcgn/imap-export/model"
	"github.com/dhcgn/imap-export/stats"
)

var (
	reportDir     string
	topN          int
	includeHeader []string
	excludeHeader []string
	statsQuery    string
)

var trackedHeaders = []string{"From", "To", "Subject", "Date"}

var archiveStatsCmd = &cobra.Command{
	Use:   "archive-stats [mbox file]",
	Short: "Analyse an exported mbox archive and show statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		f, err := filter.New(filter.Options{
			IncludeHeader: includeHeader,
			ExcludeHeader: excludeHeader,
			Query:         statsQuery,
		})
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		total, err := mbox.CountMessages(path)
		if err != nil {
			return err
		}
		fmt.Printf("Analyzing %s (%d messages)\n\n", path, total)

		counter, matched, err := collectArchiveStats(path, f)
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		fmt.Printf("Matched %d of %d messages\n\n", matched, total)
		for _, header := range trackedHeaders {
			if header == "Date" {
				fmt.Printf("Top %d months:\n", topN)
			} else {
				fmt.Printf("Top %d %s:\n", topN, header)
			}
			stats.PrettyPrintTop(counter[header], topN)
			fmt.Println()
		}

		if reportDir == "" {
			return nil
		}
		if err := saveCSVReports(counter, trackedHeaders, reportDir, 1000); err != nil {
			return fmt.Errorf("save CSV reports: %w", err)
		}
		fmt.Printf("Reports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	archiveStatsCmd.Flags().StringVarP(&reportDir, "output", "o", "", "Directory for CSV reports; empty skips them")
	archiveStatsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	archiveStatsCmd.Flags().StringArrayVar(&includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with --exclude-header)")
	archiveStatsCmd.Flags().StringArrayVar(&excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with --include-header)")
	archiveStatsCmd.Flags().StringVar(&statsQuery, "query", "", "Case-insensitive text to look for in subject or sender")
	rootCmd.AddCommand(archiveStatsCmd)
}

// collectArchiveStats counts header values of the messages in path that f
// allows. Dates are bucketed by month.
func collectArchiveStats(path string, f *filter.Filter) (map[string]map[string]int, int, error) {
	counter := make(map[string]map[string]int, len(trackedHeaders))
	for _, h := range trackedHeaders {
		counter[h] = make(map[string]int)
	}

	matched := 0
	err := mbox.Read(path, func(m *mbox.MboxMessage) error {
		if !f.Allows(summaryOf(m.Headers)) {
			return nil
		}
		matched++
		for _, header := range trackedHeaders {
			value := m.Headers.Get(header)
			if header == "Date" {
				if t, err := m.Headers.Date(); err == nil {
					value = t.Format("2006-01")
				}
			}
			if value != "" {
				counter[header][value]++
			}
		}
		return nil
	})
	return counter, matched, err
}

func summaryOf(h mail.Header) model.Summary {
	s := model.Summary{
		Subject: h.Get("Subject"),
		From:    h.Get("From"),
		Header:  []byte(formatHeaders(h)),
	}
	if t, err := h.Date(); err == nil {
		s.Date = t
	}
	return s
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		if err := saveCSVReport(filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))), counter[header], limit); err != nil {
			return err
		}
	}
	return nil
}

func saveCSVReport(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	type pair struct {
		Key   string
		Value int
	}
	pairs := make([]pair, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for i := 0; i < limit && i < len(pairs); i++ {
		if err := writer.Write([]string{pairs[i].Key, strconv.Itoa(pairs[i].Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func formatHeaders(headers mail.Header) string {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		for _, value := range headers[key] {
			sb.WriteString(key)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
