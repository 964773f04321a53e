package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	goldenQuality float64
	goldenJustify string
	goldenConfirm bool
	goldenShowDel bool
)

var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "Manage the golden set of validated classifications",
	Long: `The golden set holds human-validated classifications that answer
future requests for the same description without running the agent chain.

Available subcommands:
  list    - List active entries (--deleted for removed ones)
  add     - Promote a reviewed classification into the set
  remove  - Soft-delete an entry
  restore - Reactivate a soft-deleted entry
  clear   - Soft-delete every entry (requires --yes)`,
}

var goldenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List golden entries",
	RunE:  runGoldenList,
}

var goldenAddCmd = &cobra.Command{
	Use:   "add [classification-id]",
	Short: "Promote a reviewed classification",
	Long: `Add copies an approved or corrected classification into the golden
set. A justification is required; it becomes part of the entry and shows
up whenever the entry answers a classification.`,
	Args: cobra.ExactArgs(1),
	RunE: runGoldenAdd,
}

var goldenRemoveCmd = &cobra.Command{
	Use:   "remove [entry-id]",
	Short: "Soft-delete a golden entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoldenRemove,
}

var goldenRestoreCmd = &cobra.Command{
	Use:   "restore [entry-id]",
	Short: "Reactivate a soft-deleted entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoldenRestore,
}

var goldenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Soft-delete every golden entry",
	RunE:  runGoldenClear,
}

func init() {
	goldenListCmd.Flags().BoolVar(&goldenShowDel, "deleted", false, "list soft-deleted entries")
	goldenAddCmd.Flags().Float64Var(&goldenQuality, "quality", 1.0, "entry quality (0-1]")
	goldenAddCmd.Flags().StringVar(&goldenJustify, "justification", "", "why this classification is authoritative (required)")
	goldenClearCmd.Flags().BoolVar(&goldenConfirm, "yes", false, "confirm the wipe")

	goldenCmd.AddCommand(goldenListCmd, goldenAddCmd, goldenRemoveCmd,
		goldenRestoreCmd, goldenClearCmd)
}

func runGoldenList(cmd *cobra.Command, args []string) error {
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	entries, err := svc.Golden()
	if goldenShowDel {
		entries, err = svc.GoldenDeleted()
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No entries.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-6d %-10s %-9s %.2f  %s\n",
			e.ID, e.NCM, orDash(e.CEST), e.Quality, e.Description)
	}
	fmt.Printf("%d entries\n", len(entries))
	return nil
}

func runGoldenAdd(cmd *cobra.Command, args []string) error {
	if goldenJustify == "" {
		return fmt.Errorf("--justification is required")
	}
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	entry, err := svc.Promote(args[0], goldenJustify, goldenQuality)
	if err != nil {
		return err
	}
	fmt.Printf("Golden entry %d: %s -> NCM %s CEST %s\n",
		entry.ID, entry.Description, entry.NCM, orDash(entry.CEST))
	return nil
}

func runGoldenRemove(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("entry id must be numeric: %w", err)
	}
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	if err := svc.Demote(id); err != nil {
		return err
	}
	fmt.Printf("Removed entry %d (restore with 'golden restore %d')\n", id, id)
	return nil
}

func runGoldenRestore(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("entry id must be numeric: %w", err)
	}
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	if err := svc.Restore(id); err != nil {
		return err
	}
	fmt.Printf("Restored entry %d\n", id)
	return nil
}

func runGoldenClear(cmd *cobra.Command, args []string) error {
	if !goldenConfirm {
		return fmt.Errorf("clearing the golden set loses review work; pass --yes to confirm")
	}
	svc, done, err := reviewService()
	if err != nil {
		return err
	}
	defer done()

	n, err := svc.ClearGolden(true)
	if err != nil {
		return err
	}
	fmt.Printf("Cleared %d entries\n", n)
	return nil
}
