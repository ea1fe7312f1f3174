package commands

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRestoreCommand() *cobra.Command {
	var inFile string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Load a snapshot into the state store",
		Long: `Load a snapshot written by backup. Records already in the store are
replaced; records missing from the snapshot are kept. The import runs in a
single transaction. Gzip-compressed snapshots are detected automatically.`,
		Example: `  capstan restore --in state.json.gz`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			log.Info().Str("in", inFile).Msg("Restoring backup")

			f, err := os.Open(inFile)
			if err != nil {
				return err
			}
			defer f.Close()

			r, err := snapshotReader(f)
			if err != nil {
				return err
			}
			if err := ws.store.Import(ctx, r); err != nil {
				return err
			}

			fmt.Printf("✓ Restored %s\n", inFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inFile, "in", "i", "", "snapshot file")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

// snapshotReader returns r, decompressed when it starts with the gzip magic.
func snapshotReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed snapshot: %w", err)
		}
		return zr, nil
	}
	return br, nil
}
