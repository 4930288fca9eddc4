package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"illustpub/internal/progress"
	"illustpub/internal/services"
)

func newMaterializeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "materialize <pid>...",
		Short: "Download images into the media directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pids := make([]int64, 0, len(args))
			for _, arg := range args {
				pid, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || pid <= 0 {
					return fmt.Errorf("invalid pid %q", arg)
				}
				pids = append(pids, pid)
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := cliLogger(cfg)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.processor.MaterializeBatch(cmd.Context(), pids, nil)
			if err != nil {
				return err
			}

			waitCtx, cancel := context.WithTimeout(cmd.Context(), cfg.WaitTimeout())
			defer cancel()
			task, err := a.tracker.Wait(waitCtx, token)
			out := cmd.OutOrStdout()
			if errors.Is(err, context.DeadlineExceeded) {
				fmt.Fprintf(out, "Timed out after %s at %d%%\n", cfg.WaitTimeout(), task.Percentage)
				return fmt.Errorf("materialize: no result within %s", cfg.WaitTimeout())
			}
			if err != nil {
				return err
			}

			res, _ := task.Result.(services.BatchResult)
			rows := make([][]string, 0, len(res.Items))
			for _, item := range res.Items {
				detail := item.MediaURL
				size := ""
				if item.Error != nil {
					detail = item.Error.Category + ": " + item.Error.Message
				} else if item.ByteSize > 0 {
					size = humanize.IBytes(uint64(item.ByteSize))
				}
				rows = append(rows, []string{
					strconv.FormatInt(item.PID, 10),
					item.Status,
					item.Tier,
					size,
					detail,
				})
			}
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable(out,
					[]string{"PID", "Status", "Tier", "Size", "Detail"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft}))
			}
			fmt.Fprintf(out, "Downloaded %d of %d\n", res.DownloadedCount, res.TotalCount)

			if task.Status == progress.StatusFailed {
				msg := task.Message
				if task.Error != nil {
					msg = task.Error.Message
				}
				return fmt.Errorf("materialize: %s", msg)
			}
			return nil
		},
	}
}
