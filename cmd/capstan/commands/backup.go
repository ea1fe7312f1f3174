package commands

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	var (
		outFile  string
		compress bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export the state store to a snapshot file",
		Long: `Export every record of the state store as one JSON snapshot.

The snapshot includes resources, cache entries, dependency edges,
operations with their step history and logs, and recorded failures.
It can be loaded into an empty or existing store with restore.`,
		Example: `  # Plain snapshot
  capstan backup --out state.json

  # Compressed (also implied by a .gz suffix)
  capstan backup --out state.json.gz --compress`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			compress = compress || strings.HasSuffix(outFile, ".gz")
			log.Info().
				Str("out", outFile).
				Bool("compress", compress).
				Msg("Creating backup")

			f, err := os.OpenFile(outFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outFile, err)
			}
			defer f.Close()

			var w io.Writer = f
			var zw *gzip.Writer
			if compress {
				zw = gzip.NewWriter(f)
				w = zw
			}
			if err := ws.store.Export(ctx, w); err != nil {
				return err
			}
			if zw != nil {
				if err := zw.Close(); err != nil {
					return err
				}
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Printf("✓ Backup written to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file")
	cmd.Flags().BoolVar(&compress, "compress", false, "gzip the snapshot")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}
