package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/a-poor/zonedb/storage"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

func newStatCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <dir>",
		Short: "Print zone, tree and cache statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, g, args[0], func(ctx context.Context, st *storage.Store) error {
				stat, err := st.Stat()
				if err != nil {
					return err
				}
				b, err := yaml.Marshal(stat)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(b)
				return err
			})
		},
	}
}

func newCommitCmd(g *globalFlags) *cobra.Command {
	var shift bool
	cmd := &cobra.Command{
		Use:   "commit <dir>",
		Short: "Force a commit, optionally starting a new zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, g, args[0], func(ctx context.Context, st *storage.Store) error {
				chunk, err := st.Commit(ctx, storage.Commit{Forced: true, Shifted: shift})
				if err != nil {
					return err
				}
				if chunk != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "committed version %d to zone %d (%d bytes)\n", chunk.Version, chunk.Zone, chunk.Size)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&shift, "shift", false, "start a new zone after the commit")
	return cmd
}

func newCompactCmd(g *globalFlags) *cobra.Command {
	var shift bool
	cmd := &cobra.Command{
		Use:   "compact <dir>",
		Short: "Copy live pages forward and delete old zones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, g, args[0], func(ctx context.Context, st *storage.Store) error {
				before := st.Size()
				if err := st.Compact(ctx, storage.Compact{Shifted: shift}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "compacted %d bytes into %d\n", before, st.Size())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&shift, "shift", false, "always start a new zone first")
	return cmd
}

func newDumpCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dump <dir> <tree>",
		Short: "Print the entries of a B-tree map",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, g, args[0], func(ctx context.Context, st *storage.Store) error {
				m, err := st.BTreeMap(ctx, args[1], storage.TreeOptions{Transient: true})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				c := m.Cursor()
				for n := 0; (limit <= 0 || n < limit) && c.Next(); n++ {
					e := c.Entry()
					fmt.Fprintf(out, "%s\t%s\n", strconv.Quote(string(e.Key)), strconv.Quote(string(e.Value)))
				}
				return c.Err()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries")
	return cmd
}
