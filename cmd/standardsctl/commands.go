package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nidhogg/standards-retrieval/internal/api"
	"github.com/nidhogg/standards-retrieval/internal/config"
	"github.com/nidhogg/standards-retrieval/internal/orchestrator"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

func (c *cli) startCmd() *cobra.Command {
	var (
		concurrency int
		fresh       bool
	)
	cmd := &cobra.Command{
		Use:   "start DISCIPLINE...",
		Short: "Start a run over one or more disciplines",
		Long: `Start a run. The server resumes from its latest valid checkpoint
unless --fresh is given.

Examples:
  standardsctl start civil nursing --concurrency 8
  standardsctl start law --fresh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return &config.Error{Field: "disciplines", Msg: "at least one discipline is required"}
			}
			if concurrency < 0 {
				return &config.Error{Field: "concurrency", Msg: "must not be negative"}
			}
			resp, err := c.client().Start(cmd.Context(), api.StartRequest{
				Disciplines: args,
				Concurrency: concurrency,
				Fresh:       fresh,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "session %s started: %d disciplines, concurrency %d\n",
				resp.SessionID, len(resp.Disciplines), resp.Concurrency)
			if resp.ResumedFrom != "" {
				fmt.Fprintf(c.out, "resumed from %s\n", resp.ResumedFrom)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker pool size (0 = min(CPUs, 24))")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "ignore existing checkpoints")
	return cmd
}

func (c *cli) stopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the current run",
		Long: `Stop the current run. By default in-flight units finish and a final
checkpoint is written before the command returns. With --force in-flight
units are abandoned and resume on the next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client().Stop(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "run %s: %s", snap.SessionID, snap.State)
			if snap.LastCheckpoint != "" {
				fmt.Fprintf(c.out, " (checkpoint %s)", snap.LastCheckpoint)
			}
			fmt.Fprintln(c.out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "cancel in-flight units")
	return cmd
}

func (c *cli) checkpointCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Write a checkpoint now, or list stored checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				mds, err := c.client().Checkpoints(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSEQUENCE\tCREATED\tREASON")
				for _, md := range mds {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", md.ID, md.Sequence, md.CreatedAt.Format("2006-01-02 15:04:05"), md.Reason)
				}
				return w.Flush()
			}
			id, err := c.client().Checkpoint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list checkpoints instead of writing one")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			return printStatus(c, snap)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func printStatus(c *cli, s *orchestrator.Snapshot) error {
	fmt.Fprintf(c.out, "state: %s", s.State)
	if s.SessionID != "" {
		fmt.Fprintf(c.out, "  session: %s  pool: %d/%d  cost: %.4f", s.SessionID, s.Busy, s.Concurrency, s.Cost)
	}
	fmt.Fprintln(c.out)
	if s.LastCheckpoint != "" {
		fmt.Fprintf(c.out, "last checkpoint: %s at %s\n", s.LastCheckpoint, s.LastCheckpointAt.Format("2006-01-02 15:04:05"))
	}
	if s.Degraded {
		fmt.Fprintln(c.out, "WARNING: checkpoint writes failing (degraded)")
	}
	if s.Fatal != "" {
		fmt.Fprintf(c.out, "fatal: %s\n", s.Fatal)
	}
	if len(s.Disciplines) == 0 {
		return nil
	}

	ps := append(s.Disciplines[:0:0], s.Disciplines...)
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Discipline.Priority != ps[j].Discipline.Priority {
			return ps[i].Discipline.Priority < ps[j].Discipline.Priority
		}
		return ps[i].Discipline.ID < ps[j].Discipline.ID
	})
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DISCIPLINE\tDISCOVERY\tRETRIEVAL\tPROCESSING\tVALIDATION\tDONE\tFAILED\tCOST\tQUALITY")
	for _, p := range ps {
		fmt.Fprintf(w, "%s", p.Discipline.ID)
		for _, st := range task.Stages {
			counts := p.Counts[st]
			fmt.Fprintf(w, "\t%d/%d", counts[task.StatusSucceeded], sum(counts))
		}
		fmt.Fprintf(w, "\t%d/%d\t%d\t%.4f\t%.2f\n", p.Succeeded+p.Skipped+p.Failed, p.Total, p.Failed, p.Cost, p.AvgQuality)
	}
	return w.Flush()
}

func sum(m map[task.Status]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
