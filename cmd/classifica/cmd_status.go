package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show knowledge base counts and metadata",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	svcs, err := openStoreOnly()
	if err != nil {
		return err
	}
	defer svcs.Close()

	counts, err := svcs.Store.CountAll()
	if err != nil {
		return err
	}

	fmt.Printf("Database:         %s\n", cfg.Store.Path)
	fmt.Printf("NCM codes:        %d\n", counts.NCMCodes)
	fmt.Printf("CEST categories:  %d\n", counts.CESTCategories)
	fmt.Printf("Bindings:         %d\n", counts.Bindings)
	fmt.Printf("Examples:         %d\n", counts.ProductExamples)
	fmt.Printf("Pharma products:  %d\n", counts.PharmaProducts)
	fmt.Printf("Classifications:  %d (%d pending review)\n",
		counts.Classifications, counts.PendingReview)
	fmt.Printf("Golden entries:   %d\n", counts.GoldenEntries)

	if v, err := svcs.Store.GetMetadata("catalog_version"); err == nil && v != "" {
		fmt.Printf("Catalog version:  %s\n", v)
	}
	if v, err := svcs.Store.GetMetadata("vector_extension"); err == nil && v != "" {
		fmt.Printf("Vector extension: %s\n", v)
	}
	return nil
}
