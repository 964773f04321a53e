package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"classifica/internal/fiscal"
	"classifica/internal/store"
	"classifica/internal/system"
)

var ingestEmbed bool

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load catalog data into the knowledge base",
	Long: `Ingest loads reference data from CSV files. Every loader expects a
header row and matches columns by name, so official table exports work
without reshaping.

Available subcommands:
  ncm      - NCM hierarchy (codigo, descricao)
  cest     - CEST categories (cest, descricao, segmento)
  bindings - NCM/CEST bindings (ncm, cest)
  examples - Classified product examples (descricao, ncm, cest)
  pharma   - Pharmaceutical reference products (nome, principio_ativo, ncm, cest)`,
}

var ingestNCMCmd = &cobra.Command{
	Use:   "ncm [file]",
	Short: "Load the NCM hierarchy",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestNCM,
}

var ingestCESTCmd = &cobra.Command{
	Use:   "cest [file]",
	Short: "Load CEST categories",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestCEST,
}

var ingestBindingsCmd = &cobra.Command{
	Use:   "bindings [file]",
	Short: "Load NCM/CEST bindings",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestBindings,
}

var ingestExamplesCmd = &cobra.Command{
	Use:   "examples [file]",
	Short: "Load classified product examples",
	Long: `Examples feed the retrieval index. With --embed each description is
embedded at load time; without it the rows land without vectors and only
serve the token-overlap search until an index rebuild embeds them.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngestExamples,
}

var ingestPharmaCmd = &cobra.Command{
	Use:   "pharma [file]",
	Short: "Load pharmaceutical reference products",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestPharma,
}

func init() {
	ingestExamplesCmd.Flags().BoolVar(&ingestEmbed, "embed", false, "embed descriptions while loading")
	ingestPharmaCmd.Flags().BoolVar(&ingestEmbed, "embed", false, "embed names while loading")

	ingestCmd.AddCommand(ingestNCMCmd, ingestCESTCmd, ingestBindingsCmd,
		ingestExamplesCmd, ingestPharmaCmd)
}

// csvTable reads a whole CSV file into a header map and rows.
type csvTable struct {
	cols map[string]int
	rows [][]string
}

func readCSVTable(path string) (csvTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return csvTable{}, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return csvTable{}, fmt.Errorf("read header of %s: %w", path, err)
	}
	t := csvTable{cols: make(map[string]int, len(header))}
	for i, h := range header {
		t.cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for {
		row, err := r.Read()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return csvTable{}, fmt.Errorf("read %s: %w", path, err)
		}
		t.rows = append(t.rows, row)
	}
}

// get returns the first present column among names for a row.
func (t csvTable) get(row []string, names ...string) string {
	for _, n := range names {
		if idx, ok := t.cols[n]; ok && idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
	}
	return ""
}

func openStoreOnly() (*system.Services, error) {
	return system.Build(context.Background(), cfg, system.Options{SkipModel: true})
}

func runIngestNCM(cmd *cobra.Command, args []string) error {
	t, err := readCSVTable(args[0])
	if err != nil {
		return err
	}
	entries := make([]store.NCMEntry, 0, len(t.rows))
	for _, row := range t.rows {
		code := t.get(row, "codigo", "code", "ncm")
		desc := t.get(row, "descricao", "description")
		if code == "" {
			continue
		}
		entries = append(entries, store.NCMEntry{
			Code:        strings.ReplaceAll(strings.ReplaceAll(code, ".", ""), " ", ""),
			Description: desc,
		})
	}

	svcs, err := openStoreOnly()
	if err != nil {
		return err
	}
	defer svcs.Close()

	n, err := svcs.Store.IngestNCMHierarchy(entries)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d NCM codes\n", n)
	return nil
}

func runIngestCEST(cmd *cobra.Command, args []string) error {
	t, err := readCSVTable(args[0])
	if err != nil {
		return err
	}
	entries := make([]store.CESTEntry, 0, len(t.rows))
	for _, row := range t.rows {
		code := t.get(row, "cest", "codigo")
		if code == "" {
			continue
		}
		entries = append(entries, store.CESTEntry{
			CEST:        code,
			Description: t.get(row, "descricao", "description"),
			Segment:     t.get(row, "segmento", "segment"),
		})
	}

	svcs, err := openStoreOnly()
	if err != nil {
		return err
	}
	defer svcs.Close()

	n, err := svcs.Store.IngestCESTCategories(entries)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d CEST categories\n", n)
	return nil
}

func runIngestBindings(cmd *cobra.Command, args []string) error {
	t, err := readCSVTable(args[0])
	if err != nil {
		return err
	}
	bindings := make([]fiscal.Binding, 0, len(t.rows))
	for _, row := range t.rows {
		ncm := t.get(row, "ncm")
		cest := t.get(row, "cest")
		if ncm == "" || cest == "" {
			continue
		}
		bindings = append(bindings, fiscal.Binding{NCM: ncm, CEST: cest})
	}

	svcs, err := openStoreOnly()
	if err != nil {
		return err
	}
	defer svcs.Close()

	n, err := svcs.Store.IngestBindings(bindings)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d bindings\n", n)
	return nil
}

func runIngestExamples(cmd *cobra.Command, args []string) error {
	t, err := readCSVTable(args[0])
	if err != nil {
		return err
	}
	examples := make([]store.Example, 0, len(t.rows))
	for _, row := range t.rows {
		desc := t.get(row, "descricao", "description")
		ncm := t.get(row, "ncm")
		if desc == "" || ncm == "" {
			continue
		}
		quality, _ := strconv.ParseFloat(t.get(row, "nota", "quality_score"), 64)
		verified := t.get(row, "verificado", "human_verified")
		examples = append(examples, store.Example{
			Description:   desc,
			NCM:           ncm,
			CEST:          t.get(row, "cest"),
			Gtin:          t.get(row, "gtin", "ean"),
			Source:        t.get(row, "fonte", "source"),
			QualityScore:  quality,
			HumanVerified: verified == "1" || strings.EqualFold(verified, "true"),
		})
	}

	ctx := context.Background()
	svcs, err := system.Build(ctx, cfg, system.Options{SkipModel: !ingestEmbed, SkipIndex: true})
	if err != nil {
		return err
	}
	defer svcs.Close()

	if ingestEmbed {
		texts := make([]string, len(examples))
		for i := range examples {
			texts[i] = examples[i].Description
		}
		vectors, err := svcs.Engine.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed examples: %w", err)
		}
		for i := range examples {
			examples[i].Embedding = vectors[i]
			examples[i].EmbeddingModel = svcs.Engine.Name()
		}
	}

	n, err := svcs.Store.IngestExamples(examples)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d examples\n", n)
	return nil
}

func runIngestPharma(cmd *cobra.Command, args []string) error {
	t, err := readCSVTable(args[0])
	if err != nil {
		return err
	}
	products := make([]store.PharmaProduct, 0, len(t.rows))
	for _, row := range t.rows {
		name := t.get(row, "nome", "name")
		ncm := t.get(row, "ncm")
		if name == "" || ncm == "" {
			continue
		}
		products = append(products, store.PharmaProduct{
			Name:             name,
			ActiveIngredient: t.get(row, "principio_ativo", "active_ingredient"),
			Barcode:          t.get(row, "codigo_barra", "barcode", "ean"),
			Brand:            t.get(row, "marca", "brand"),
			Presentation:     t.get(row, "apresentacao", "presentation"),
			NCM:              ncm,
			CEST:             t.get(row, "cest"),
		})
	}

	ctx := context.Background()
	svcs, err := system.Build(ctx, cfg, system.Options{SkipModel: !ingestEmbed, SkipIndex: true})
	if err != nil {
		return err
	}
	defer svcs.Close()

	if ingestEmbed {
		texts := make([]string, len(products))
		for i := range products {
			texts[i] = products[i].Name
		}
		vectors, err := svcs.Engine.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed pharma products: %w", err)
		}
		for i := range products {
			products[i].Embedding = vectors[i]
			products[i].EmbeddingModel = svcs.Engine.Name()
		}
	}

	n, err := svcs.Store.IngestPharma(products)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d pharma products\n", n)
	return nil
}
