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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nodeflow/nodeflow"
	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/database"
)

// CLI wraps the root cobra command of the nodeflow binary.
type CLI struct {
	cmd *cobra.Command
}

// nodeflowInstance carries the loaded configuration to the subcommands.
type nodeflowInstance struct {
	configFile string
	cnf        *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration before any subcommand runs.
func preRun(app *nodeflowInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(app.configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// setupNodeflow connects the datasource and builds a Nodeflow over it.
func setupNodeflow(cfg *config.Configuration, opts ...nodeflow.Option) (*nodeflow.Nodeflow, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	n, err := nodeflow.NewNodeflow(db, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating nodeflow: %v", err)
	}
	return n, nil
}

func NewCLI() *CLI {
	app := &nodeflowInstance{}

	rootCmd := &cobra.Command{
		Use:           "nodeflow",
		Short:         "Workflow execution engine for AI generation pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&app.configFile, "config", "./nodeflow.json", "Configuration file for nodeflow")
	rootCmd.PersistentPreRunE = preRun(app)

	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(creditCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &CLI{cmd: rootCmd}
}

func (c CLI) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
