package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anas-aljanaby/call-center-backend/internal/dataset"
	"github.com/anas-aljanaby/call-center-backend/internal/processor"
)

var (
	importOrg  string
	processAll bool
)

var importCmd = &cobra.Command{
	Use:   "import [manifest.xlsx]",
	Short: "Import calls from a spreadsheet manifest",
	Long: `Reads the first sheet of the workbook and creates one uploaded call per row.
The header must name a recording column; agent, organization, start, end, duration
and resolution columns are picked up when present.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var processCmd = &cobra.Command{
	Use:   "process [call-id...]",
	Short: "Process calls now",
	Long:  `Runs the processing pipeline for the given calls, or for every processable call with --all.`,
	RunE:  runProcess,
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List calls waiting for manual review",
	Args:  cobra.NoArgs,
	RunE:  runFailed,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue [call-id]",
	Short: "Reset a failed call for another round of attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequeue,
}

func init() {
	importCmd.Flags().StringVar(&importOrg, "org", "", "organization id for rows without one")
	processCmd.Flags().BoolVar(&processAll, "all", false, "process every processable call")
	rootCmd.AddCommand(importCmd, processCmd, failedCmd, requeueCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	org := uuid.Nil
	if importOrg != "" {
		id, err := uuid.Parse(importOrg)
		if err != nil {
			return fmt.Errorf("invalid --org: %w", err)
		}
		org = id
	}

	m, err := dataset.LoadCalls(args[0], org)
	if err != nil {
		return err
	}
	for _, c := range m.Calls {
		if err := application.Store.CreateCall(cmd.Context(), c); err != nil {
			return fmt.Errorf("create call for %s: %w", c.RecordingURL, err)
		}
	}
	cmd.Printf("Imported %d calls.\n", len(m.Calls))
	for _, s := range m.Skipped {
		cmd.Printf("  row %d skipped: %s\n", s.Row, s.Reason)
	}
	return nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := application.Config.Processing

	var ids []uuid.UUID
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return fmt.Errorf("invalid call id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	if processAll {
		more, err := application.Store.ListProcessable(ctx, cfg.MaxAttempts, 10000)
		if err != nil {
			return err
		}
		ids = append(ids, more...)
	}
	if len(ids) == 0 {
		return errors.New("no calls given; pass call ids or --all")
	}

	var (
		mu      sync.Mutex
		results = make([]*processor.Result, 0, len(ids))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			res, _ := application.Orchestrator.Process(ctx, id)
			if res == nil {
				res = &processor.Result{CallID: id}
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed int
	for _, r := range results {
		switch {
		case r.Skipped:
			cmd.Printf("  %s skipped (%s)\n", r.CallID, r.SkipReason)
		case r.FailureReason != "":
			failed++
			cmd.Printf("  %s %s: %s\n", r.CallID, r.State, r.FailureReason)
		default:
			cmd.Printf("  %s %s in %s\n", r.CallID, r.State, r.Duration.Round(time.Millisecond))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, len(results))
	}
	return nil
}

func runFailed(cmd *cobra.Command, args []string) error {
	calls, err := application.Store.ListFailed(cmd.Context(), application.Config.Processing.MaxAttempts)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		cmd.Println("No calls waiting for review.")
		return nil
	}
	for _, c := range calls {
		cmd.Printf("  %s attempts=%d %s\n", c.ID, c.Attempts, c.FailureReason)
	}
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid call id: %w", err)
	}
	if err := application.Orchestrator.Requeue(cmd.Context(), id); err != nil {
		return err
	}
	cmd.Printf("Call %s requeued.\n", id)
	return nil
}
