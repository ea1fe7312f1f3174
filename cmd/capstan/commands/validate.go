package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan/pkg/catalog"
	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/executor"
)

// validation is the combined schema and dependency report.
type validation struct {
	Report       *catalog.Report           `json:"report"`
	Dependencies *catalog.DependencyReport `json:"dependencies"`
}

func (v *validation) ok() bool {
	return len(v.Report.Failed()) == 0 && v.Dependencies.OK()
}

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate operation files",
		Long: `Validate operation files against the operation schema and check that
every requires entry names a known operation without forming a cycle.

Without a path the configured capabilities directory is checked. A single
file may be given; dependency checks then only see that file.`,
		Example: `  # Validate the configured catalog
  capstan validate

  # Validate one file
  capstan validate capabilities/networking/create-subnet.yaml

  # Re-validate whenever a file changes
  capstan validate --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := LoadConfig(configPath)
				if err != nil {
					return err
				}
				path = cfg.CapabilitiesDir
			}

			loader, err := catalog.NewLoader(log.Logger)
			if err != nil {
				return err
			}

			if watch {
				return watchCatalog(cmd.Context(), loader, path)
			}

			v, err := validatePath(loader, path)
			if err != nil {
				return err
			}
			if err := printValidation(v); err != nil {
				return err
			}
			if !v.ok() {
				return &ExitError{Code: executor.ExitInvalid}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-validate when files change")

	return cmd
}

func validatePath(loader *catalog.Loader, path string) (*validation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		cat, report, err := loader.LoadDir(path)
		if err != nil {
			return nil, err
		}
		return &validation{Report: report, Dependencies: catalog.CheckDependencies(cat.Descriptors())}, nil
	}
	return newValidation(&catalog.Report{Files: []catalog.FileResult{loader.LoadFile(path)}}), nil
}

func newValidation(report *catalog.Report) *validation {
	return &validation{Report: report, Dependencies: catalog.CheckDependencies(descriptorsOf(report))}
}

func descriptorsOf(report *catalog.Report) []*engine.Descriptor {
	var out []*engine.Descriptor
	for _, f := range report.Files {
		if f.OK() {
			out = append(out, f.Descriptor)
		}
	}
	return out
}

func watchCatalog(ctx context.Context, loader *catalog.Loader, root string) error {
	if v, err := validatePath(loader, root); err != nil {
		return err
	} else if err := printValidation(v); err != nil {
		return err
	}

	w := catalog.NewWatcher(loader, root, log.Logger)
	err := w.Start(ctx, func(_ *catalog.Catalog, report *catalog.Report) {
		fmt.Println()
		if err := printValidation(newValidation(report)); err != nil {
			log.Error().Err(err).Msg("Failed to print validation report")
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func printValidation(v *validation) error {
	if jsonOutput {
		return printJSON(v)
	}

	for _, f := range v.Report.Files {
		mark := "✓"
		if !f.OK() {
			mark = "✗"
		}
		fmt.Printf("%s %s\n", mark, f.File)
		for _, e := range f.Errors {
			fmt.Printf("    [%s] %s\n", e.Severity, e.Error())
		}
	}

	deps := v.Dependencies
	for _, m := range deps.Missing {
		fmt.Printf("✗ %s requires unknown operation %s\n", m.Operation, m.Missing)
	}
	for _, c := range deps.Cycles {
		fmt.Printf("✗ dependency cycle: %s\n", c)
	}

	fmt.Printf("\n%d/%d files valid, %d operations, %d with dependencies (%d total)\n",
		v.Report.Passed(), len(v.Report.Files), deps.Stats.Operations,
		deps.Stats.WithDependencies, deps.Stats.TotalDependencies)
	if deps.Stats.MostDependent != "" {
		fmt.Printf("Most dependent: %s (%d)\n", deps.Stats.MostDependent, deps.Stats.MaxDependencies)
	}
	return nil
}
