package cmd

import (
	"context"
	"fmt"
	"log/slog"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/imap-export/config"
	"github.com/dhcgn/imap-export/filter"
	"github.com/dhcgn/imap-export/imap"
	"github.com/dhcgn/imap-export/model"
)

// summaryBatch bounds the UIDs per header fetch.
const summaryBatch = 500

func imapOptions(cfg config.Config) imap.Options {
	return imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		StartTLS:           cfg.StartTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		FetchRate:          cfg.FetchRate,
	}
}

func newFilter(cfg config.Config) (*filter.Filter, error) {
	field, err := filter.ParseField(cfg.Field)
	if err != nil {
		return nil, err
	}
	return filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		ExcludeHeader: cfg.ExcludeHeader,
		Query:         cfg.Query,
		Field:         field,
		Since:         cfg.Since,
		Before:        cfg.Before,
	})
}

// summarize lists headers for uids in batches.
func summarize(ctx context.Context, client *imap.Client, folder string, uids []model.UID) ([]model.Summary, error) {
	summaries := make([]model.Summary, 0, len(uids))
	for start := 0; start < len(uids); start += summaryBatch {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		end := min(start+summaryBatch, len(uids))
		batch, err := client.Summaries(folder, uids[start:end])
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, batch...)
	}
	return summaries, nil
}

// listUIDs returns the folder's UIDs, narrowed on the server by the date
// range (SENTSINCE/SENTBEFORE) when one is set.
func listUIDs(client *imap.Client, cfg config.Config) ([]model.UID, error) {
	var (
		uids []model.UID
		err  error
	)
	if cfg.Since.IsZero() && cfg.Before.IsZero() {
		uids, err = client.UIDs(cfg.Folder)
	} else {
		uids, err = client.Search(cfg.Folder, &imapv2.SearchCriteria{SentSince: cfg.Since, SentBefore: cfg.Before})
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", cfg.Folder, err)
	}
	return uids, nil
}

// selectUIDs resolves the message selection of a download: explicit UIDs
// pass through, otherwise the folder is listed and narrowed by the header
// criteria.
func selectUIDs(ctx context.Context, client *imap.Client, cfg config.Config, logger *slog.Logger) ([]model.UID, error) {
	if len(cfg.UIDs) > 0 {
		return cfg.UIDs, nil
	}

	uids, err := listUIDs(client, cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.Selecting() {
		return uids, nil
	}

	f, err := newFilter(cfg)
	if err != nil {
		return nil, err
	}
	summaries, err := summarize(ctx, client, cfg.Folder, uids)
	if err != nil {
		return nil, fmt.Errorf("list headers in %s: %w", cfg.Folder, err)
	}
	selected := f.Select(summaries)
	logger.Info("messages selected", "folder", cfg.Folder, "listed", len(uids), "selected", len(selected))
	return selected, nil
}
