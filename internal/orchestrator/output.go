package orchestrator

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"classifica/internal/store"
)

// BatchReport is the JSON document written after a batch run.
type BatchReport struct {
	GeneratedAt time.Time `json:"generated_at"`
	Total       int       `json:"total"`
	Classified  int       `json:"classified"`
	NeedsReview int       `json:"needs_review"`
	Failures    int       `json:"failures"`
	GoldenHits  int       `json:"golden_hits"`
	Results     []Result  `json:"results"`
}

// NewBatchReport tallies a result slice into a report.
func NewBatchReport(results []Result) BatchReport {
	report := BatchReport{
		GeneratedAt: time.Now().UTC(),
		Total:       len(results),
		Results:     results,
	}
	for _, r := range results {
		switch {
		case r.Err != "" && r.Classification.ID == "":
			report.Failures++
		case r.Classification.Status == store.StatusTechnicalFailure:
			report.Failures++
		case r.Classification.Status == store.StatusNeedsHumanReview:
			report.NeedsReview++
		default:
			report.Classified++
		}
		if r.GoldenHit {
			report.GoldenHits++
		}
	}
	return report
}

// WriteJSON writes the full report document.
func (b BatchReport) WriteJSON(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("orchestrator: create output dir: %w", err)
	}
	path := filepath.Join(dir, "classificacao_"+b.GeneratedAt.Format("20060102_150405")+".json")
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("orchestrator: marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("orchestrator: write report: %w", err)
	}
	return path, nil
}

// WriteCSV writes the flat projection consumed by spreadsheet users.
func (b BatchReport) WriteCSV(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("orchestrator: create output dir: %w", err)
	}
	path := filepath.Join(dir, "classificacao_"+b.GeneratedAt.Format("20060102_150405")+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("orchestrator: create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"product_code", "barcode", "description", "ncm", "cest",
		"confidence", "status", "group_tag", "error"}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("orchestrator: write csv header: %w", err)
	}
	for _, r := range b.Results {
		c := r.Classification
		row := []string{
			c.ProductCode, c.Barcode, c.Description, c.NCM, c.CEST,
			strconv.FormatFloat(c.Confidence, 'f', 2, 64),
			c.Status, r.GroupTag, r.Err,
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("orchestrator: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("orchestrator: flush csv: %w", err)
	}
	return path, nil
}
