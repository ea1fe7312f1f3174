package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and maintain the resource state store",
		Long: `Inspect and maintain the cached resource records.

Records are refreshed from the provider when their cache entry expires.
Invalidation forces that refresh early; soft-delete keeps the record for
audit; purge removes it with its dependency edges.`,
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateInvalidateCommand())
	cmd.AddCommand(newStateSoftDeleteCommand())
	cmd.AddCommand(newStatePurgeCommand())
	cmd.AddCommand(newStateAuditCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	var filter engine.ResourceFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored resources",
		Example: `  capstan state list --type Microsoft.Network/virtualNetworks
  capstan state list --managed --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			resources, err := ws.store.List(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resources)
			}

			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "TYPE\tGROUP\tNAME\tSTATE\tMANAGED\tVALIDATED")
			for _, r := range resources {
				state := string(r.State)
				if r.SoftDeleted {
					state += " (deleted)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					r.Type, orDash(r.Group), r.Name, state, r.ManagedByEngine, formatTime(&r.LastValidatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.Type, "type", "", "filter by resource type")
	cmd.Flags().StringVar(&filter.Group, "group", "", "filter by resource group")
	cmd.Flags().BoolVar(&filter.ManagedOnly, "managed", false, "only resources managed by capstan")
	cmd.Flags().BoolVar(&filter.IncludeDeleted, "all", false, "include soft-deleted resources")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of resources")

	return cmd
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one resource with its dependency edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			r, err := ws.store.GetByID(ctx, args[0])
			if err != nil {
				return err
			}
			deps, err := ws.store.EdgesFrom(ctx, r.ID)
			if err != nil {
				return err
			}
			dependents, err := ws.store.EdgesTo(ctx, r.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					*engine.Resource
					Dependencies []engine.DependencyEdge `json:"dependencies"`
					Dependents   []engine.DependencyEdge `json:"dependents"`
				}{r, deps, dependents})
			}

			fmt.Printf("ID:        %s\n", r.ID)
			fmt.Printf("Type:      %s\n", r.Type)
			fmt.Printf("Name:      %s\n", r.Name)
			fmt.Printf("Group:     %s\n", orDash(r.Group))
			fmt.Printf("Region:    %s\n", orDash(r.Region))
			fmt.Printf("State:     %s\n", r.State)
			fmt.Printf("Managed:   %t (created by capstan: %t)\n", r.ManagedByEngine, r.CreatedByEngine)
			fmt.Printf("Validated: %s\n", formatTime(&r.LastValidatedAt))
			if r.SoftDeleted {
				fmt.Printf("Deleted:   %s\n", formatTime(r.DeletedAt))
			}
			for k, v := range r.Tags {
				fmt.Printf("Tag:       %s=%s\n", k, v)
			}

			if len(deps) > 0 {
				fmt.Println("\nDepends on:")
				for _, e := range deps {
					fmt.Printf("  %s [%s, %s]\n", e.To, e.Strength, e.Kind)
				}
			}
			if len(dependents) > 0 {
				fmt.Println("\nRequired by:")
				for _, e := range dependents {
					fmt.Printf("  %s [%s, %s]\n", e.From, e.Strength, e.Kind)
				}
			}

			if r.Properties != nil {
				props, err := json.MarshalIndent(r.Properties, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("\nProperties:\n%s\n", props)
			}
			return nil
		},
	}
}

func newStateInvalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <pattern>",
		Short: "Expire cache entries matching a key pattern",
		Long: `Expire cache entries whose key matches pattern. Keys have the form
type/group/name; * matches within one segment and ** across segments.`,
		Example: `  # Everything in one resource group
  capstan state invalidate '**/rg-net/*'

  # All virtual networks
  capstan state invalidate 'Microsoft.Network/virtualNetworks/**'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			n, err := ws.store.Invalidate(ctx, args[0])
			if err != nil {
				return err
			}
			log.Info().Str("pattern", args[0]).Int64("entries", n).Msg("Cache invalidated")
			fmt.Printf("✓ Expired %d cache entries\n", n)
			return nil
		},
	}
}

func newStateSoftDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "soft-delete <id>",
		Short: "Mark a resource deleted, keeping its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.store.SoftDelete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Soft-deleted %s\n", args[0])
			return nil
		},
	}
}

func newStatePurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Remove a resource with its cache entries and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.store.Purge(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Purged %s\n", args[0])
			return nil
		},
	}
}

func newStateAuditCommand() *cobra.Command {
	var (
		action string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the state audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := ws.store.ListAuditEntries(ctx, filter, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}

			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET")
			for _, e := range entries {
				target := "-"
				if e.TargetID != nil {
					target = *e.TargetID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(&e.Timestamp), e.Action, e.Actor, target)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action (e.g. resource.purged)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}
