package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func configCommands(app *nodeflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(app.cnf, "", "    ")
			if err != nil {
				return fmt.Errorf("error printing config: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	return cmd
}
