package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/psds-microservice/routing-service/internal/application"
	"github.com/psds-microservice/routing-service/internal/config"
	"github.com/spf13/cobra"
)

var sweepTenants []string

// sweepCmd прогоняет фоновые проверки один раз; удобно из cron, когда api запущен без sweeper
// или после ручных правок в БД.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run queue timeouts and agent state expiry once; --tenant also recomputes queue positions",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().StringSliceVar(&sweepTenants, "tenant", nil, "tenant IDs whose queue positions and ETA are recomputed")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	core, err := application.NewCore(cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	res := core.Sweeper.RunOnce(ctx)
	log.Printf("sweep: timed out %d, states reset %d, pulled %d", res.TimedOut, res.StatesReset, res.Pulled)

	for _, tenant := range sweepTenants {
		if err := core.Queue.Reindex(ctx, tenant); err != nil {
			return fmt.Errorf("reindex %s: %w", tenant, err)
		}
		log.Printf("sweep: reindexed queue of tenant %s", tenant)
	}
	return nil
}
