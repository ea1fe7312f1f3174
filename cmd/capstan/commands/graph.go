package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/resolver"
)

func newGraphCommand() *cobra.Command {
	var (
		dot      bool
		order    bool
		deletion bool
		levels   bool
		cycles   bool
		path     bool
		analyze  bool
	)

	cmd := &cobra.Command{
		Use:   "graph [from to]",
		Short: "Inspect the resource dependency graph",
		Long: `Inspect the dependency graph of the resources in the state store.

Without a mode flag the graph statistics are printed. --analyze first
re-extracts the dependency edges of every stored resource.`,
		Example: `  # Render with Graphviz
  capstan graph --dot | dot -Tsvg > deps.svg

  # Creation order, then deletion order
  capstan graph --order
  capstan graph --deletion-order

  # How does a VM reach its virtual network?
  capstan graph --path <vm-id> <vnet-id>`,
		Args: func(cmd *cobra.Command, args []string) error {
			if path {
				return cobra.ExactArgs(2)(cmd, args)
			}
			return cobra.NoArgs(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			res := resolver.New(ws.store, nil, ws.telemetry.Logger.Zerolog())
			var g *resolver.Graph
			if analyze {
				resources, err := ws.store.List(ctx, engine.ResourceFilter{IncludeDeleted: true})
				if err != nil {
					return err
				}
				g, err = res.Analyze(ctx, resources)
				if err != nil {
					return err
				}
			} else {
				g, err = res.LoadGraph(ctx)
				if err != nil {
					return err
				}
			}

			switch {
			case dot:
				fmt.Print(g.ToDOT())
				return nil
			case order:
				ids, err := g.TopologicalOrder()
				if err != nil {
					return err
				}
				return printIDs(ids)
			case deletion:
				ids, err := g.DeletionOrder()
				if err != nil {
					return err
				}
				return printIDs(ids)
			case levels:
				return printLevels(g)
			case cycles:
				return printCycles(g.DetectCycles())
			case path:
				ids, err := g.ShortestPath(args[0], args[1])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(ids)
				}
				fmt.Println(strings.Join(ids, "\n  -> "))
				return nil
			default:
				return printStats(g)
			}
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in DOT format")
	cmd.Flags().BoolVar(&order, "order", false, "print the creation order")
	cmd.Flags().BoolVar(&deletion, "deletion-order", false, "print the deletion order")
	cmd.Flags().BoolVar(&levels, "levels", false, "print resources grouped into parallel waves")
	cmd.Flags().BoolVar(&cycles, "cycles", false, "print dependency cycles")
	cmd.Flags().BoolVar(&path, "path", false, "print the shortest dependency path between two resources")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "re-extract dependencies before reporting")
	cmd.MarkFlagsMutuallyExclusive("dot", "order", "deletion-order", "levels", "cycles", "path")

	return cmd
}

func printIDs(ids []string) error {
	if jsonOutput {
		return printJSON(ids)
	}
	for i, id := range ids {
		fmt.Printf("%3d. %s\n", i+1, id)
	}
	return nil
}

func printLevels(g *resolver.Graph) error {
	waves, err := g.Levels()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(waves)
	}
	for i, wave := range waves {
		fmt.Printf("Level %d:\n", i)
		for _, id := range wave {
			fmt.Printf("  %s\n", id)
		}
	}
	return nil
}

func printCycles(cycles []resolver.Cycle) error {
	if jsonOutput {
		return printJSON(cycles)
	}
	if len(cycles) == 0 {
		fmt.Println("✓ No dependency cycles")
		return nil
	}
	for _, c := range cycles {
		fmt.Printf("✗ %s\n", c)
	}
	return nil
}

func printStats(g *resolver.Graph) error {
	stats := g.Stats()
	if jsonOutput {
		return printJSON(struct {
			resolver.Stats
			Roots  []string `json:"roots"`
			Leaves []string `json:"leaves"`
		}{stats, g.Roots(), g.Leaves()})
	}

	fmt.Printf("Resources:         %d (%d external)\n", stats.Nodes, stats.External)
	fmt.Printf("Dependencies:      %d\n", stats.Edges)
	fmt.Printf("With dependencies: %d\n", stats.WithDependencies)
	if stats.MostDependent != "" {
		fmt.Printf("Most dependent:    %s (%d)\n", stats.MostDependent, stats.MaxDependencies)
	}
	fmt.Printf("Roots:             %d\n", len(g.Roots()))
	fmt.Printf("Leaves:            %d\n", len(g.Leaves()))
	return nil
}
