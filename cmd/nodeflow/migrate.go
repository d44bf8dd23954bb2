/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/nodeflow/nodeflow"
	"github.com/nodeflow/nodeflow/database"
)

func migrationSource() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: nodeflow.SQLFiles,
		Root:       "sql",
	}
}

// migrateCommands groups the schema migration subcommands.
func migrateCommands(app *nodeflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run nodeflow database migrations",
	}

	cmd.AddCommand(migrateRunCommand(app, "up", migrate.Up))
	cmd.AddCommand(migrateRunCommand(app, "down", migrate.Down))

	return cmd
}

func migrateRunCommand(app *nodeflowInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("apply migrations %s", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.ConnectDB(app.cnf.DataSource.Dns)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer db.Close()

			migrate.SetSchema("nodeflow")

			n, err := migrate.Exec(db, "postgres", migrationSource(), direction)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}

			if direction == migrate.Up {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migrations!\n", n)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migrations!\n", n)
			}
			return nil
		},
	}
}
