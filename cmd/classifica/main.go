// classifica is the fiscal classification CLI: it assigns NCM and CEST
// codes to retail product descriptions through a multi-agent pipeline and
// runs the human review loop that feeds the golden set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"classifica/internal/config"
	"classifica/internal/logging"
)

var (
	// Global flags
	configPath string
	debug      bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "classifica",
	Short: "NCM/CEST fiscal classification for retail product descriptions",
	Long: `classifica assigns Brazilian fiscal codes (NCM and CEST) to product
descriptions using a chain of specialized agents over a local knowledge
base, with retrieval context from previously classified products.

Typical flow:
  classifica ingest ncm tabela_ncm.csv     load the NCM hierarchy
  classifica ingest cest convenio.csv      load CEST categories and bindings
  classifica classify "PANTOPRAZOL 40MG"   classify one description
  classifica classify --file produtos.csv  classify a batch
  classifica review next                   walk pending classifications
  classifica golden list                   inspect the golden set`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := logging.Init(debug); err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if debug {
			cfg.Debug = true
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "classifica.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "verbose logging")

	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(goldenCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
