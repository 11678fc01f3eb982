package main

import (
	"context"
	"os"

	"github.com/a-poor/zonedb/settings"
	"github.com/a-poor/zonedb/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	name   string
	config string
	debug  bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:          "zdbcli",
		Short:        "inspect and maintain zone stores",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&g.name, "name", "n", "store", "base name of the zone files")
	cmd.PersistentFlags().StringVarP(&g.config, "config", "c", "", "settings file (yaml)")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newStatCmd(&g),
		newCommitCmd(&g),
		newCompactCmd(&g),
		newDumpCmd(&g),
	)
	return cmd
}

// openStore opens the store in dir with the global flags applied.
func openStore(ctx context.Context, g *globalFlags, dir string) (*storage.Store, error) {
	s := settings.Default()
	if g.config != "" {
		f, err := os.Open(g.config)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if s, err = settings.Load(f); err != nil {
			return nil, err
		}
	}
	// The CLI commits explicitly
	s.AutoCommitInterval = 0

	return storage.Open(ctx, dir, g.name, storage.Options{
		Settings: s,
		Logger:   logrus.StandardLogger(),
	})
}

// withStore runs fn against an open store and closes it afterwards.
func withStore(cmd *cobra.Command, g *globalFlags, dir string, fn func(context.Context, *storage.Store) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, g, dir)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, st)
}
