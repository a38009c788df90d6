package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/xaenox/chatbot-api/internal/storage"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.sqlStorage()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.MigrateUp()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (one step by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}

			store, err := a.sqlStorage()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.MigrateDown(steps)
		},
	})

	return cmd
}

func (a *app) sqlStorage() (*storage.SQLStorage, error) {
	if a.cfg.Database.Driver == storage.DriverMemory {
		return nil, fmt.Errorf("the memory driver has no schema to migrate")
	}
	return storage.NewSQLStorage(a.storageConfig(), a.logger)
}
