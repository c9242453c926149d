package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"marketvane/internal/store"
	"marketvane/internal/types"
)

var requeueAll bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and revive background jobs",
	Long: `Operates directly on the job queue in the shared database, so it
works whether or not a serve instance is up.`,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per status and recent dead-letter jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.GetQueueStats("pipeline")
		if err != nil {
			return err
		}

		fmt.Println("Queue: pipeline")
		for _, status := range []types.JobStatus{
			types.JobPending, types.JobProcessing, types.JobCompleted, types.JobFailed,
		} {
			fmt.Printf("  %-12s %d\n", status, stats.Counts[status])
		}
		fmt.Printf("  %-12s %d\n", "dead_letter", stats.DeadLetter)
		if stats.AvgProcessingSecs > 0 {
			fmt.Printf("Average processing time: %.1fs\n", stats.AvgProcessingSecs)
		}

		dead, err := st.ListDeadLetterJobs("pipeline", 10)
		if err != nil {
			return err
		}
		if len(dead) > 0 {
			fmt.Println("\nDead-letter jobs:")
			for _, job := range dead {
				fmt.Printf("  %s  %-16s attempts=%d  %s\n", job.ID, job.JobType, job.Attempts, job.LastError)
			}
		}
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue [JOB_ID...]",
	Short: "Move dead-letter jobs back to pending with a fresh attempt budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !requeueAll {
			return fmt.Errorf("pass job ids or --all")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ids := args
		if requeueAll {
			dead, err := st.ListDeadLetterJobs("pipeline", 1000)
			if err != nil {
				return err
			}
			ids = nil
			for _, job := range dead {
				ids = append(ids, job.ID)
			}
		}
		for _, id := range ids {
			if err := st.RequeueDeadLetter(id); err != nil {
				return err
			}
			fmt.Printf("Job %s requeued\n", id)
		}
		if len(ids) == 0 {
			fmt.Println("No dead-letter jobs to requeue")
		}
		return nil
	},
}

// openStore opens the configured database for the offline queue commands.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Database.Path)
}

func init() {
	queueRequeueCmd.Flags().BoolVar(&requeueAll, "all", false, "Requeue every dead-letter job")
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueRequeueCmd)
}
