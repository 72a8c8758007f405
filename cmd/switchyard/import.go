package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"switchyard/pkg/workspace"
)

const defaultDatabase = "workspaces.db"

func newImportCmd(root *rootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "import [catalog.yaml]",
		Short: "Copy a YAML catalog into the SQLite workspace store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			catalogPath := cfg.Registry.Catalog
			if len(args) == 1 {
				catalogPath = args[0]
			}
			if catalogPath == "" {
				return fmt.Errorf("no catalog given")
			}
			if dbPath == "" {
				dbPath = cfg.Registry.Database
			}
			if dbPath == "" {
				dbPath = defaultDatabase
			}

			catalog, err := workspace.LoadCatalog(resolvePath(root.dir, catalogPath))
			if err != nil {
				return err
			}
			store, err := workspace.OpenSQLStore(resolvePath(root.dir, dbPath))
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Import(catalog)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d workspaces into %s\n", n, dbPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite store path (default registry.database or "+defaultDatabase+")")
	return cmd
}

func resolvePath(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}
