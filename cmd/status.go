package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fixwise/fixwise/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report ingestion and retrieval health",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "emit the report as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("starting application: %w", err)
	}
	defer a.Close()

	ingestion, err := a.IngestionStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading ingestion status: %w", err)
	}
	health, err := a.RetrievalHealthCheck(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading retrieval health: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"ingestion": ingestion,
			"retrieval": health,
		})
	}

	fmt.Println("Retrieval")
	fmt.Printf("  store reachable: %t\n", health.StoreReachable)
	fmt.Printf("  atoms: %d\n", health.AtomCount)
	fmt.Println("Ingestion")
	for stage, n := range ingestion.AttemptsByStage {
		fmt.Printf("  attempts[%s]: %d\n", stage, n)
	}
	for class, n := range ingestion.FailuresByClass {
		fmt.Printf("  failures[%s]: %d\n", class, n)
	}
	fmt.Printf("  dead letters: %d\n", ingestion.DeadLetters)
	fmt.Printf("  pending review: %d\n", ingestion.PendingReview)
	return nil
}
