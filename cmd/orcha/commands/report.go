package commands

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/depin-orcha/orcha/internal/models"
	"github.com/depin-orcha/orcha/internal/scheduler"
)

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Run optimization cycles and print a performance report",
	Long: `Run a number of optimization cycles against the configured providers
and print the resulting performance report. Plans are executed only with
--execute; the configured hold duration and hourly limit still apply.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().Int("cycles", 5, "number of optimization cycles to run")
	reportCmd.Flags().Duration("interval", 0, "pause between cycles")
	reportCmd.Flags().Bool("execute", false, "execute recommended plans")
}

func runReport(cmd *cobra.Command, args []string) error {
	cycles, _ := cmd.Flags().GetInt("cycles")
	interval, _ := cmd.Flags().GetDuration("interval")
	execute, _ := cmd.Flags().GetBool("execute")
	if cycles <= 0 {
		return fmt.Errorf("--cycles must be positive")
	}

	ctx := cmd.Context()
	bs, err := assembleOneShot(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = bs.Stop(ctx) }()

	schedCfg := scheduler.DefaultConfig()
	schedCfg.AutoExecute = execute
	driver := scheduler.New(schedCfg, bs.Orchestrator, bs.Logger)

	start := time.Now().UTC()
	for i := 0; i < cycles; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		if _, err := driver.RunOptimizationCycle(ctx); err != nil {
			return fmt.Errorf("cycle %d failed: %w", i+1, err)
		}
		if _, err := driver.RunAlertCycle(ctx); err != nil {
			return fmt.Errorf("alert cycle %d failed: %w", i+1, err)
		}
	}

	report, err := bs.Orchestrator.GenerateReport(start, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	displayReport(os.Stdout, report, bs.Orchestrator.UnacknowledgedAlerts())
	return nil
}

func usd(v float64) string {
	return "$" + humanize.FormatFloat("#,###.####", v)
}

func displayReport(w io.Writer, report *models.PerformanceReport, alerts []models.Alert) {
	fmt.Fprintf(w, "Performance Report - %s\n\n", report.PeriodEnd.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(w, "Overview:")
	fmt.Fprintf(w, "  Period started      : %s\n", humanize.Time(report.PeriodStart))
	fmt.Fprintf(w, "  Snapshots           : %s\n", humanize.Comma(int64(report.SnapshotCount)))
	fmt.Fprintf(w, "  Total earnings      : %s\n", usd(report.TotalEarnings))
	fmt.Fprintf(w, "  Average per hour    : %s\n", usd(report.AverageHourlyEarnings))
	fmt.Fprintf(w, "  Uptime              : %.1f%%\n", report.UptimePercent)
	fmt.Fprintf(w, "  Reallocations       : %d (%d improved earnings)\n", len(report.AllocationChanges), report.SuccessfulOptimizations)
	fmt.Fprintf(w, "  Total improvement   : %s/h\n", usd(report.TotalImprovement))

	if len(report.EarningsByProvider) > 0 {
		ids := make([]string, 0, len(report.EarningsByProvider))
		for id := range report.EarningsByProvider {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintln(w, "\nProviders:")
		for _, id := range ids {
			fmt.Fprintf(w, "  - %-10s %s\n", id, usd(report.EarningsByProvider[id]))
		}
	}

	if len(report.AllocationChanges) > 0 {
		fmt.Fprintln(w, "\nAllocation changes:")
		for _, c := range report.AllocationChanges {
			fmt.Fprintf(w, "  - %-10s %5.1f%% -> %5.1f%%  %s\n",
				c.Provider, c.OldAllocation, c.NewAllocation, c.Reason)
		}
	}

	if len(alerts) > 0 {
		fmt.Fprintln(w, "\nOpen alerts:")
		for _, a := range alerts {
			fmt.Fprintf(w, "  - [%s %.2f] %s (%s)\n", a.Type, a.Severity, a.Message, humanize.Time(a.Timestamp))
		}
	}
}
