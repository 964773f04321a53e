package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"classifica/internal/review"
	"classifica/internal/store"
	"classifica/internal/system"
)

var (
	reviewerName   string
	reviewNote     string
	correctNCM     string
	correctCEST    string
	correctBarcode string
	showTraces     bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Walk and resolve pending classifications",
	Long: `Review manages the human validation loop.

Available subcommands:
  list    - List pending classifications
  next    - Show the next pending classification in the alphabetical walk
  show    - Show one classification with its agent traces
  approve - Confirm the assigned codes
  correct - Replace the codes with a reviewed pair
  reject  - Discard the classification`,
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending classifications",
	RunE:  runReviewList,
}

var reviewNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next pending classification",
	Long: `Next walks pending classifications alphabetically by description,
advancing one first letter per call so review sessions cover the whole
catalog instead of clustering at the top of the alphabet.`,
	RunE: runReviewNext,
}

var reviewShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one classification and its traces",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewShow,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Confirm the assigned codes",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewApprove,
}

var reviewCorrectCmd = &cobra.Command{
	Use:   "correct [id]",
	Short: "Replace the codes with a reviewed pair",
	Long: `Correct overrides the assigned codes. The new pair must satisfy the
NCM/CEST binding rules; an invalid pair is refused and nothing changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runReviewCorrect,
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Discard the classification",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewReject,
}

func init() {
	for _, c := range []*cobra.Command{reviewApproveCmd, reviewCorrectCmd, reviewRejectCmd} {
		c.Flags().StringVar(&reviewerName, "reviewer", "", "reviewer identifier")
		c.Flags().StringVar(&reviewNote, "note", "", "review note")
	}
	reviewCorrectCmd.Flags().StringVar(&correctNCM, "ncm", "", "corrected NCM (required)")
	reviewCorrectCmd.Flags().StringVar(&correctCEST, "cest", "", "corrected CEST (optional)")
	reviewCorrectCmd.Flags().StringVar(&correctBarcode, "barcode", "", "corrected barcode (optional)")
	reviewShowCmd.Flags().BoolVar(&showTraces, "traces", false, "include agent traces")

	reviewCmd.AddCommand(reviewListCmd, reviewNextCmd, reviewShowCmd,
		reviewApproveCmd, reviewCorrectCmd, reviewRejectCmd)
}

func reviewService() (*review.Service, func(), error) {
	svcs, err := system.Build(context.Background(), cfg, system.Options{SkipModel: true})
	if err != nil {
		return nil, nil, err
	}
	return svcs.Review, func() { svcs.Close() }, nil
}

func runReviewList(cmd *cobra.Command, args []string) error {
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	pending, err := svc.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("Nothing pending.")
		return nil
	}
	for _, c := range pending {
		fmt.Printf("%s  %-10s %-9s %.2f  %s\n",
			c.ID, orDash(c.NCM), orDash(c.CEST), c.Confidence, c.Description)
	}
	fmt.Printf("%d pending\n", len(pending))
	return nil
}

func runReviewNext(cmd *cobra.Command, args []string) error {
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	detail, err := svc.Next()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("Nothing pending.")
			return nil
		}
		return err
	}
	printDetail(detail, false)
	return nil
}

func runReviewShow(cmd *cobra.Command, args []string) error {
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	detail, err := svc.Get(args[0])
	if err != nil {
		return err
	}
	printDetail(detail, showTraces)
	return nil
}

func runReviewApprove(cmd *cobra.Command, args []string) error {
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	c, err := svc.Approve(args[0], reviewerName, reviewNote)
	if err != nil {
		return err
	}
	fmt.Printf("Approved %s: NCM %s CEST %s\n", c.ID, orDash(c.FinalNCM()), orDash(c.FinalCEST()))
	return nil
}

func runReviewCorrect(cmd *cobra.Command, args []string) error {
	if correctNCM == "" {
		return fmt.Errorf("--ncm is required")
	}
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	c, err := svc.Correct(args[0], reviewerName, reviewNote, correctNCM, correctCEST, correctBarcode)
	if err != nil {
		return err
	}
	fmt.Printf("Corrected %s: NCM %s CEST %s\n", c.ID, orDash(c.CorrectedNCM), orDash(c.CorrectedCEST))
	return nil
}

func runReviewReject(cmd *cobra.Command, args []string) error {
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	c, err := svc.Reject(args[0], reviewerName, reviewNote)
	if err != nil {
		return err
	}
	fmt.Printf("Rejected %s\n", c.ID)
	return nil
}

func printDetail(d review.Detail, withTraces bool) {
	c := d.Classification
	fmt.Printf("ID:          %s\n", c.ID)
	fmt.Printf("Description: %s\n", c.Description)
	if c.ExpandedDescription != "" && c.ExpandedDescription != c.Description {
		fmt.Printf("Expanded:    %s\n", c.ExpandedDescription)
	}
	fmt.Printf("NCM:         %s\n", orDash(c.NCM))
	fmt.Printf("CEST:        %s\n", orDash(c.CEST))
	if c.CorrectedNCM != "" && c.ReviewStatus == store.ReviewCorrected {
		fmt.Printf("Corrected:   NCM %s CEST %s\n", c.CorrectedNCM, orDash(c.CorrectedCEST))
	}
	if c.CorrectedBarcode != "" {
		fmt.Printf("Barcode:     %s (was %s)\n", c.CorrectedBarcode, orDash(c.Barcode))
	}
	fmt.Printf("Confidence:  %.2f\n", c.Confidence)
	fmt.Printf("Status:      %s / %s\n", c.Status, c.ReviewStatus)
	if c.Justification != "" {
		fmt.Printf("Rationale:   %s\n", c.Justification)
	}
	if withTraces && len(d.Traces) > 0 {
		fmt.Println("Traces:")
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("  ", "  ")
		for _, tr := range d.Traces {
			fmt.Printf("  [%s] success=%v tokens=%d latency=%dms\n",
				tr.Agent, tr.Success, tr.TokensUsed, tr.LatencyMS)
			_ = enc.Encode(tr.Consultations)
		}
	}
}
