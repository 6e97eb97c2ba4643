package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"jobqueue/internal/client"
	"jobqueue/internal/models"
)

type clientOptions struct {
	addr   string
	tenant string
	json   bool
}

func (o *clientOptions) client() *client.Client {
	return client.New(o.addr, o.tenant)
}

func newSubmitCmd(opts *clientOptions) *cobra.Command {
	var (
		payload     string
		priority    string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "submit TYPE",
		Short: "Submit a job",
		Example: `  jobqueue submit echo --payload '{"msg":"hi"}'
  jobqueue submit upscale_image --priority high --payload '{"source_url":"https://example.com/a.png"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p models.Payload
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}
			job, err := opts.client().Submit(cmd.Context(), client.SubmitRequest{
				Type:        args[0],
				Payload:     p,
				Priority:    priority,
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job submitted: %s\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON object passed to the handler")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, high or critical")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt ceiling (server default when 0)")
	return cmd
}

func newGetCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), job, opts.json)
		},
	}
}

func newListCmd(opts *clientOptions) *cobra.Command {
	var lo client.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := opts.client().List(cmd.Context(), lo)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-20s %-10s %-9s %-8s %-8s %-25s\n", "ID", "TYPE", "STATUS", "PRIORITY", "PROGRESS", "ATTEMPTS", "CREATED_AT")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-36s %-20s %-10s %-9s %-8d %-8s %-25s\n",
					j.ID, j.Type, j.Status, j.Priority, j.Progress,
					fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
					j.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&lo.Statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&lo.Type, "type", "", "filter by job type")
	cmd.Flags().StringVar(&lo.Priority, "priority", "", "filter by priority")
	cmd.Flags().IntVar(&lo.Limit, "limit", 50, "maximum jobs to return")
	cmd.Flags().IntVar(&lo.Offset, "offset", 0, "jobs to skip")
	return cmd
}

func newCancelCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a waiting or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), job)
			}
			if job.Status == models.StatusRunning {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for running job %s\n", job.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func newRetryCmd(opts *clientOptions) *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "retry ID",
		Short: "Re-queue a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().Retry(cmd.Context(), args[0], priority)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued for attempt %d of %d\n", job.ID, job.Attempts, job.MaxAttempts)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "override the job's priority")
	return cmd
}

func newDeleteCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", args[0])
			return nil
		},
	}
}

func newClearCmd(opts *clientOptions) *cobra.Command {
	var (
		olderThan time.Duration
		failed    bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := opts.client().Clear(cmd.Context(), olderThan, failed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only jobs finished before now minus this")
	cmd.Flags().BoolVar(&failed, "failed", false, "remove every failed job regardless of age")
	return cmd
}

func newStatsCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, s)
			}
			for _, st := range models.Statuses {
				fmt.Fprintf(out, "%-12s %d\n", string(st)+":", s.Counts[st])
			}
			fmt.Fprintf(out, "%-12s %d\n", "total:", s.Total)
			fmt.Fprintf(out, "%-12s %d\n", "queued now:", s.QueueDepth)
			fmt.Fprintf(out, "%-12s %d/%d\n", "busy:", s.Busy, s.Workers)
			return nil
		},
	}
}

func printJob(w io.Writer, j models.View, raw bool) error {
	if raw {
		return printJSON(w, j)
	}
	fmt.Fprintf(w, "%-14s %s\n", "ID:", j.ID)
	fmt.Fprintf(w, "%-14s %s\n", "Type:", j.Type)
	fmt.Fprintf(w, "%-14s %s\n", "Status:", j.Status)
	fmt.Fprintf(w, "%-14s %s\n", "Priority:", j.Priority)
	fmt.Fprintf(w, "%-14s %d%%\n", "Progress:", j.Progress)
	fmt.Fprintf(w, "%-14s %d/%d\n", "Attempts:", j.Attempts, j.MaxAttempts)
	fmt.Fprintf(w, "%-14s %s\n", "Created:", j.CreatedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		fmt.Fprintf(w, "%-14s %s\n", "Started:", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Fprintf(w, "%-14s %s\n", "Completed:", j.CompletedAt.Format(time.RFC3339))
	}
	if j.Error != "" {
		fmt.Fprintf(w, "%-14s %s\n", "Error:", j.Error)
	}
	if len(j.Result) > 0 {
		fmt.Fprintf(w, "%-14s %s\n", "Result:", j.Result)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
