package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan/pkg/executor"
)

const execUsage = `Usage:
  capstan exec <capability> <operation> [--dry-run] [--force] [--key value]...

Flags:
      --dry-run          print the substituted plan without running anything
      --force            skip prerequisite validation
      --<key> <value>    bind an operation parameter (also --key=value)
  -c, --config string    config file path
      --json             output in JSON format
  -v, --verbose          enable verbose output
`

// execArgs is the parsed exec command line.
type execArgs struct {
	Capability string
	Operation  string
	Vars       map[string]string
	DryRun     bool
	Force      bool
	Help       bool
}

// parseExecArgs parses exec arguments by hand so that any --key value pair
// binds an operation parameter. Dashes in keys also bind the underscore
// form, so --resource-group sets resource_group.
func parseExecArgs(args []string) (*execArgs, error) {
	out := &execArgs{Vars: make(map[string]string)}
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		key := strings.TrimLeft(arg, "-")
		value, hasValue := "", false
		if k, v, ok := strings.Cut(key, "="); ok {
			key, value, hasValue = k, v, true
		}

		switch key {
		case "h", "help":
			out.Help = true
			continue
		case "dry-run":
			out.DryRun = true
			continue
		case "force":
			out.Force = true
			continue
		case "json":
			jsonOutput = true
			continue
		case "v", "verbose":
			verbose = true
			continue
		}

		if !hasValue {
			if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
				return nil, fmt.Errorf("flag %s needs a value", arg)
			}
			i++
			value = args[i]
		}
		if key == "" {
			return nil, fmt.Errorf("invalid flag %q", arg)
		}
		if key == "c" || key == "config" {
			configPath = value
			continue
		}
		out.Vars[key] = value
		if alt := strings.ReplaceAll(key, "-", "_"); alt != key {
			out.Vars[alt] = value
		}
	}

	if out.Help {
		return out, nil
	}
	if len(positional) != 2 {
		return nil, fmt.Errorf("expected <capability> <operation>, got %d arguments", len(positional))
	}
	out.Capability, out.Operation = positional[0], positional[1]
	return out, nil
}

func newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <capability> <operation> [--dry-run] [--force] [--key value]...",
		Short: "Execute an operation from the catalog",
		Long: `Execute one operation descriptor with the given parameters.

Prerequisites are checked against the state store (and the provider on a
cache miss) before the first step runs. A failing step triggers rollback of
the steps that completed, in reverse order.

Exit codes:
  0  completed
  1  failed
  2  failed and rolled back
  3  prerequisite missing
  4  invalid operation or parameters`,
		Example: `  # Preview a subnet creation
  capstan exec networking create-subnet --dry-run \
    --name app --vnet hub --resource-group rg-net --prefix 10.0.1.0/24

  # Run it, skipping prerequisite checks
  capstan exec networking create-subnet --force --name app --vnet hub \
    --resource-group rg-net --prefix 10.0.1.0/24`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseExecArgs(args)
			if err != nil {
				fmt.Fprint(os.Stderr, execUsage)
				return &ExitError{Code: executor.ExitInvalid, Err: err}
			}
			if parsed.Help {
				fmt.Print(cmd.Long + "\n\n" + execUsage)
				return nil
			}
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return runExec(cmd, parsed)
		},
	}
	return cmd
}

func runExec(cmd *cobra.Command, args *execArgs) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	cat, err := ws.loadCatalog()
	if err != nil {
		return &ExitError{Code: executor.ExitInvalid, Err: err}
	}
	d, err := cat.Find(args.Capability, args.Operation)
	if err != nil {
		return &ExitError{Code: executor.ExitInvalid, Err: err}
	}

	ex, err := ws.newExecutor(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("operation", d.ID).
		Bool("dry_run", args.DryRun).
		Bool("force", args.Force).
		Msg("Executing operation")

	result, execErr := ex.Execute(ctx, d, args.Vars, executor.ExecOptions{
		Force:  args.Force,
		DryRun: args.DryRun,
	})

	if result != nil {
		if err := printResult(result); err != nil {
			return err
		}
	}

	if code := executor.ExitCode(result, execErr); code != executor.ExitCompleted {
		if execErr == nil && result != nil {
			execErr = result.Err
		}
		return &ExitError{Code: code, Err: execErr}
	}
	return nil
}

func printResult(result *executor.OperationResult) error {
	if jsonOutput {
		return printJSON(result)
	}
	if result.Plan != nil {
		return result.Plan.Render(os.Stdout)
	}

	fmt.Printf("Operation %s (%s): %s\n\n", result.OperationID, result.DescriptorID, result.Status)
	printOutcomes("Steps", result.Steps)
	printOutcomes("Rollback", result.Rollback)
	for _, w := range result.Warnings {
		fmt.Printf("⚠ %s\n", w)
	}
	fmt.Printf("\nDuration: %s\n", result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond))
	return nil
}

func printOutcomes(title string, outcomes []executor.StepOutcome) {
	if len(outcomes) == 0 {
		return
	}
	fmt.Printf("%s:\n", title)
	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "  #\tNAME\tSTATUS\tATTEMPTS\tEXIT\tFIX")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%d\t%s\n", o.Index+1, o.Name, o.Status, o.Attempts, o.ExitCode, orDash(o.FixApplied))
	}
	_ = tw.Flush()
	fmt.Println()
}
