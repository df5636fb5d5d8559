/*
Copyright 2025 Concilia Authors.

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
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/concilia-hq/concilia"
	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/database"
	"github.com/concilia-hq/concilia/internal/notification"
)

// CLI wraps the root cobra command.
type CLI struct {
	cmd *cobra.Command
}

// conciliaInstance carries the engine and its configuration into every
// subcommand.
type conciliaInstance struct {
	concilia *concilia.Concilia
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the engine before any
// subcommand executes.
func preRun(app *conciliaInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("concilia.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		engine, err := setupConcilia(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.concilia = engine
		app.cnf = cnf

		return nil
	}
}

func setupConcilia(cfg *config.Configuration) (*concilia.Concilia, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	engine, err := concilia.NewConcilia(db)
	if err != nil {
		return nil, fmt.Errorf("error creating concilia: %v", err)
	}
	return engine, nil
}

// NewCLI assembles the concilia command tree: server, workers, migrations,
// backups and config inspection.
func NewCLI() *CLI {
	var configFile string
	b := &conciliaInstance{}

	var rootCmd = &cobra.Command{
		Use:   "concilia",
		Short: "Expense reconciliation engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./concilia.json", "Configuration file for concilia")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(backupCommands(b))
	rootCmd.AddCommand(configCommands())

	return &CLI{cmd: rootCmd}
}

func (w CLI) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
