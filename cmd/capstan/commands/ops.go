package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan/pkg/catalog"
	"github.com/capstan-io/capstan/pkg/engine"
)

func newOpsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect operation history",
	}

	cmd.AddCommand(newOpsListCommand())
	cmd.AddCommand(newOpsShowCommand())
	cmd.AddCommand(newOpsFailuresCommand())

	return cmd
}

func newOpsListCommand() *cobra.Command {
	var (
		descriptor string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, newest first",
		Example: `  capstan ops list --status rolled_back
  capstan ops list --operation networking/create-subnet --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			filter := engine.OperationFilter{DescriptorID: descriptor, Limit: limit}
			if status != "" {
				s := engine.OperationStatus(status)
				if err := s.Validate(); err != nil {
					return err
				}
				filter.Status = s
			}

			ops, err := ws.store.ListOperations(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(ops)
			}

			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "ID\tOPERATION\tSTATUS\tSTEP\tSTARTED\tDURATION")
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					op.ID, op.DescriptorID, op.Status, op.CurrentStep, op.TotalSteps,
					formatTime(op.StartedAt), op.Duration)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&descriptor, "operation", "", "filter by operation id (capability/name)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of operations")

	return cmd
}

func newOpsShowCommand() *cobra.Command {
	var showOutput bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an operation with its step history and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			op, err := ws.store.GetOperation(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := ws.store.ListSteps(ctx, op.ID)
			if err != nil {
				return err
			}
			logs, err := ws.store.ListLogs(ctx, op.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					*engine.Operation
					Steps []*engine.StepRecord `json:"steps"`
					Logs  []*engine.LogEntry   `json:"logs"`
				}{op, steps, logs})
			}

			fmt.Printf("ID:        %s\n", op.ID)
			fmt.Printf("Operation: %s (%s)\n", op.DescriptorID, op.Kind)
			fmt.Printf("Status:    %s\n", op.Status)
			fmt.Printf("Target:    %s\n", orDash(op.Target))
			fmt.Printf("Started:   %s\n", formatTime(op.StartedAt))
			if op.Status.IsActive() {
				fmt.Println("Ended:     still in progress")
			} else {
				fmt.Printf("Ended:     %s\n", formatTime(op.EndedAt))
				fmt.Printf("Duration:  %s\n", op.Duration)
			}
			if op.Force {
				fmt.Println("Forced:    prerequisites were not checked")
			}
			if op.Error != "" {
				fmt.Printf("Error:     %s\n", op.Error)
			}
			if op.Warning != "" {
				fmt.Printf("Warning:   %s\n", op.Warning)
			}

			if len(steps) > 0 {
				fmt.Println("\nSteps:")
				tw := newTable(os.Stdout)
				fmt.Fprintln(tw, "  PHASE\t#\tNAME\tSTATUS\tATTEMPTS\tEXIT\tFIX")
				for _, s := range steps {
					fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\t%d\t%d\t%s\n",
						s.Phase, s.Index+1, s.Name, s.Status, s.Attempts, s.ExitCode, orDash(s.FixApplied))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if showOutput {
					for _, s := range steps {
						if s.Output == "" {
							continue
						}
						fmt.Printf("\n--- %s %s ---\n%s\n", s.Phase, s.Name, strings.TrimRight(s.Output, "\n"))
					}
				}
			}

			if len(logs) > 0 {
				fmt.Println("\nLog:")
				for _, l := range logs {
					fmt.Printf("  %s %-5s %s\n", l.Timestamp.Local().Format("15:04:05"), l.Level, l.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showOutput, "output", false, "print captured step output")

	return cmd
}

func newOpsFailuresCommand() *cobra.Command {
	var step string

	cmd := &cobra.Command{
		Use:   "failures [operation]",
		Short: "List recorded step failures and matching error patterns",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			descriptor := ""
			if len(args) == 1 {
				descriptor = args[0]
			}
			failures, err := ws.store.ListFailures(ctx, descriptor, step)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(failures)
			}

			var patterns *catalog.PatternFile
			if _, err := os.Stat(ws.cfg.ErrorPatterns); err == nil {
				if patterns, err = catalog.LoadPatterns(ws.cfg.ErrorPatterns); err != nil {
					return err
				}
			}

			for _, f := range failures {
				state := "open"
				if f.Resolved {
					state = "resolved by " + f.FixName
				}
				fmt.Printf("%s  %s / %s  [%s]  op %s\n",
					formatTime(&f.RecordedAt), f.DescriptorID, f.StepName, state, f.OperationID)
				if patterns == nil {
					continue
				}
				for _, p := range patterns.Diagnose(f.Output) {
					fmt.Printf("    matches %s: %s\n", p.Name, p.Description)
					if p.FixAction != "" {
						fmt.Printf("    fix: %s\n", p.FixAction)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&step, "step", "", "filter by step name")

	return cmd
}
