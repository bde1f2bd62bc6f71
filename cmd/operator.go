package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue URL...",
		Short: "Queues URLs for an immediate, forced reindex",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, raw := range args {
				doc, err := a.GetRegistry().EnqueueManual(cmd.Context(), raw)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d %s\n", doc.ID, doc.URL)
			}
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Prints queue counters and worker status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, err := a.GetRegistry().QueueStatus(cmd.Context())
			if err != nil {
				return err
			}
			workers, err := a.GetStore().ListWorkers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "new\t%d\n", st.New)
			fmt.Fprintf(tw, "recurring\t%d\n", st.Recurring)
			fmt.Fprintf(tw, "pending\t%d\n", st.Pending)
			fmt.Fprintf(tw, "claimed\t%d\n", st.Claimed)
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "WORKER\tSTATE\tPROCESSED\tUPDATED")
			for _, w := range workers {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", w.WorkerNo, w.State, w.DocProcessed, w.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pauses every worker; running crawls finish their current document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			store := a.GetStore()
			// Rows must exist before the crawler starts or the pause would be lost.
			for n := 1; n <= a.GetConfig().Crawler.Workers; n++ {
				if err := store.EnsureWorker(cmd.Context(), n); err != nil {
					return fmt.Errorf("ensure worker %d: %w", n, err)
				}
			}
			if err := store.SetAllWorkersState(cmd.Context(), crawler.WorkerPaused); err != nil {
				return fmt.Errorf("pause workers: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "workers paused")
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resumes paused workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.GetStore().SetAllWorkersState(cmd.Context(), crawler.WorkerIdle); err != nil {
				return fmt.Errorf("resume workers: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "workers resumed")
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete URL...",
		Short: "Deletes documents and releases their snapshot files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, raw := range args {
				if err := a.GetRegistry().Delete(cmd.Context(), raw); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", raw)
			}
			return nil
		},
	}
}

func newReleaseAssetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release-asset FILENAME",
		Short: "Drops one reference to a snapshot file, removing it when none remain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			c := a.GetCache()
			if err := c.ReleaseFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			refs, err := c.References(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s references=%d\n", args[0], refs)
			return nil
		},
	}
}
