package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"classifica/internal/agents"
	"classifica/internal/orchestrator"
	"classifica/internal/system"
)

var (
	classifyFile   string
	classifyOutput string
	classifyJSON   bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify [description]",
	Short: "Classify one product description or a batch file",
	Long: `Classify runs the agent chain for a single description given as an
argument, or for every row of a batch file given with --file.

The batch file is CSV with a header. Recognized columns: codigo (or
product_code), barcode (or ean), descricao (or description). Only the
description column is required.

Batch results are written to the output directory as JSON and CSV.`,
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyFile, "file", "f", "", "batch CSV file")
	classifyCmd.Flags().StringVarP(&classifyOutput, "output", "o", "", "output directory (default from config)")
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "print the single result as JSON")
}

func runClassify(cmd *cobra.Command, args []string) error {
	if classifyFile == "" && len(args) == 0 {
		return fmt.Errorf("give a description or --file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcs, err := system.Build(ctx, cfg, system.Options{})
	if err != nil {
		return err
	}
	defer svcs.Close()

	if classifyFile != "" {
		return classifyBatch(ctx, svcs)
	}
	return classifyOne(ctx, svcs, strings.Join(args, " "))
}

func classifyOne(ctx context.Context, svcs *system.Services, description string) error {
	result, err := svcs.Orchestrator.ClassifyProduct(ctx, agents.Product{Description: description})
	if err != nil {
		return err
	}

	if classifyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	c := result.Classification
	fmt.Printf("Description: %s\n", c.Description)
	if c.ExpandedDescription != "" && c.ExpandedDescription != c.Description {
		fmt.Printf("Expanded:    %s\n", c.ExpandedDescription)
	}
	fmt.Printf("NCM:         %s\n", orDash(c.NCM))
	fmt.Printf("CEST:        %s\n", orDash(c.CEST))
	fmt.Printf("Confidence:  %.2f\n", c.Confidence)
	fmt.Printf("Status:      %s\n", c.Status)
	if result.GoldenHit {
		fmt.Println("Source:      golden set")
	}
	if c.Justification != "" {
		fmt.Printf("Rationale:   %s\n", c.Justification)
	}
	return nil
}

func classifyBatch(ctx context.Context, svcs *system.Services) error {
	products, err := readBatchFile(classifyFile)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return fmt.Errorf("no products in %s", classifyFile)
	}
	fmt.Printf("Classifying %d products...\n", len(products))

	results, err := svcs.Orchestrator.ClassifyBatch(ctx, products)
	if err != nil {
		return err
	}

	report := orchestrator.NewBatchReport(results)
	outDir := classifyOutput
	if outDir == "" {
		outDir = cfg.Pipeline.OutputDir
	}
	jsonPath, err := report.WriteJSON(outDir)
	if err != nil {
		return err
	}
	csvPath, err := report.WriteCSV(outDir)
	if err != nil {
		return err
	}

	fmt.Printf("Classified:   %d\n", report.Classified)
	fmt.Printf("Needs review: %d\n", report.NeedsReview)
	fmt.Printf("Failures:     %d\n", report.Failures)
	fmt.Printf("Golden hits:  %d\n", report.GoldenHits)
	fmt.Printf("Reports:      %s, %s\n", jsonPath, csvPath)
	return nil
}

// readBatchFile parses the batch CSV. Header names are matched loosely so
// vendor exports work without renaming columns.
func readBatchFile(path string) ([]agents.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	codeIdx, barcodeIdx, descIdx, fullIdx := -1, -1, -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "codigo", "code", "product_code":
			codeIdx = i
		case "barcode", "ean", "gtin":
			barcodeIdx = i
		case "descricao", "description", "desc":
			descIdx = i
		case "descricao_completa", "full_description":
			fullIdx = i
		}
	}
	if descIdx == -1 {
		return nil, fmt.Errorf("%s has no description column", path)
	}

	var products []agents.Product
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		p := agents.Product{Description: field(row, descIdx)}
		if p.Description == "" {
			continue
		}
		p.Code = field(row, codeIdx)
		p.Barcode = field(row, barcodeIdx)
		p.FullDescription = field(row, fullIdx)
		products = append(products, p)
	}
	return products, nil
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
