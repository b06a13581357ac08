package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-export/config"
	"github.com/dhcgn/imap-export/imap"
	"github.com/dhcgn/imap-export/metrics"
	"github.com/dhcgn/imap-export/model"
	"github.com/dhcgn/imap-export/progress"
	"github.com/dhcgn/imap-export/runner"
	"github.com/dhcgn/imap-export/stats"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download selected messages and export them",
	Example: "  imap-export download --account work --folder INBOX/Receipts --all --format eml --format csv\n" +
		"  imap-export download --imap-host imap.example.com --imap-user me --uid 4711,4712 --format mbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := loadAndLog(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := imapOptions(cfg)
		delim, uids, err := resolveSelection(ctx, opts, cfg, logger)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			logger.Info("no messages selected", "folder", cfg.Folder)
			return nil
		}

		pool, err := imap.NewPool(opts, cfg.Concurrency, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		job := &model.Job{
			Account:         cfg.Account,
			Folder:          cfg.Folder,
			Delimiter:       delim,
			UIDs:            uids,
			Kinds:           cfg.Formats,
			TargetDir:       cfg.TargetDir(),
			Concurrency:     cfg.Concurrency,
			PreserveFolders: cfg.PreserveStructure,
			SkipExisting:    cfg.SkipExisting,
			Source:          pool,
		}

		logger.Info("starting imap-export", "account", job.Account, "folder", job.Folder, "messages", len(uids), "formats", job.Kinds, "target", job.TargetDir)
		return runDownload(ctx, cfg, job, logger)
	},
}

func init() {
	config.RegisterDownloadFlags(downloadCmd)
	rootCmd.AddCommand(downloadCmd)
}

// resolveSelection lists the folder on its own session and logs out before
// returning, so the worker pool never shares the account with it.
func resolveSelection(ctx context.Context, opts imap.Options, cfg config.Config, logger *slog.Logger) (rune, []model.UID, error) {
	client, err := imap.Dial(ctx, opts, logger)
	if err != nil {
		return 0, nil, err
	}
	defer client.Close()

	delim, err := client.Delimiter(cfg.Folder)
	if err != nil {
		return 0, nil, err
	}
	uids, err := selectUIDs(ctx, client, cfg, logger)
	if err != nil {
		return 0, nil, err
	}
	return delim, uids, nil
}

func runDownload(ctx context.Context, cfg config.Config, job *model.Job, logger *slog.Logger) error {
	m := metrics.New()
	reporter := stats.NewReporter(logger)
	bar := progress.New(len(job.UIDs), !cfg.NoProgress)

	r := runner.New(runner.Options{
		Logger:       logger,
		Sink:         stats.Multi{reporter, bar},
		Metrics:      m,
		FetchTimeout: cfg.FetchTimeout,
		CancelGrace:  cfg.CancelGrace,
	})

	report, runErr := r.Run(ctx, job)
	if report != nil {
		bar.Stop(report)
	}
	reporter.Log()

	if cfg.MetricsFile != "" {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("could not write metrics file", "path", cfg.MetricsFile, "err", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if report.State == model.StateCancelled {
		return errors.New("download cancelled")
	}
	if failed := report.Counts().Failed; failed > 0 {
		return fmt.Errorf("%d of %d messages failed", failed, report.Total)
	}
	return nil
}
