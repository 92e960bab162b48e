// Command metaboptim evaluates classifiers on a metabolomics dataset with
// cross-validated hyperparameter search and prints a JSON report.
//
// The binary doubles as the search worker: ProcessLauncher re-executes it
// with a job file, and RunWorkerIfRequested takes over before any command
// line parsing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/metaboptim/optim"
)

var rootCommand = &cobra.Command{
	Use:           "metaboptim",
	Short:         "Cross-validated hyperparameter search for metabolomics classifiers.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCommand.PersistentFlags().StringP("config", "c", "", "configuration file (yaml, toml or json)")
	rootCommand.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCommand.AddCommand(runCommand, versionCommand)
}

func main() {
	optim.RunWorkerIfRequested()
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "metaboptim: %+v\n", err)
		os.Exit(1)
	}
}
