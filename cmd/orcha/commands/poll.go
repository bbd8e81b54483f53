package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/depin-orcha/orcha/internal/models"
)

// pollCmd represents the poll command
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll providers once and print metrics and opportunities",
	Long: `Connect the configured providers, run a single poll and print the
aggregated metrics, the optimization opportunities and the optimal plan as JSON.`,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)

	pollCmd.Flags().Bool("plan", true, "include the optimal allocation plan")
}

type pollOutput struct {
	Metrics       *models.AggregatedMetrics        `json:"metrics"`
	Opportunities []models.OptimizationOpportunity `json:"opportunities"`
	Plan          *models.AllocationPlan           `json:"plan,omitempty"`
}

func runPoll(cmd *cobra.Command, args []string) error {
	withPlan, _ := cmd.Flags().GetBool("plan")
	ctx := cmd.Context()

	bs, err := assembleOneShot(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = bs.Stop(ctx) }()

	orch := bs.Orchestrator
	metrics, err := orch.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}

	out := pollOutput{Metrics: metrics}
	if out.Opportunities, err = orch.Opportunities(ctx, metrics); err != nil {
		return fmt.Errorf("failed to analyse opportunities: %w", err)
	}
	if withPlan {
		if out.Plan, err = orch.OptimalAllocation(ctx, metrics); err != nil {
			return fmt.Errorf("failed to compute optimal allocation: %w", err)
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
