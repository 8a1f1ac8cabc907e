package cli

import (
	"context"
	"fmt"

	"github.com/sbenjam1n/gatesync/internal/db"
	"github.com/sbenjam1n/gatesync/internal/queue"
	"github.com/spf13/cobra"
)

var (
	auditLimit    int
	auditApproval string
	streamLimit   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Durable audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show audit entries recorded in PostgreSQL, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		pool, err := connectDB(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		entries, err := db.ListAudit(ctx, pool, auditApproval, auditLimit)
		if err != nil {
			return fmt.Errorf("list audit: %w", err)
		}

		fmt.Println("Audit Trail:")
		if len(entries) == 0 {
			fmt.Println("  (none)")
		}
		for _, e := range entries {
			fmt.Printf("  %s  %s  %-28s %s -> %s  actor=%s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"), e.ApprovalID, e.Action, e.From, e.To, e.Actor)
			if e.Details != "" {
				fmt.Printf("    %s\n", e.Details)
			}
		}
		return nil
	},
}

var auditStreamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Show the Redis audit stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, err := connectRedis()
		if err != nil {
			return err
		}
		defer rdb.Close()

		ctx := context.Background()
		q := queue.New(rdb)

		n, err := q.Status(ctx)
		if err != nil {
			return fmt.Errorf("stream status: %w", err)
		}
		fmt.Printf("Stream Status:\n")
		fmt.Printf("  %s: %d entries\n", queue.StreamAudit, n)

		recent, err := q.Recent(ctx, int64(streamLimit))
		if err != nil {
			return fmt.Errorf("stream recent: %w", err)
		}
		for _, e := range recent {
			fmt.Printf("  %s  %s  %s  actor=%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.ApprovalID, e.Action, e.Actor)
		}
		return nil
	},
}

func init() {
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to show")
	auditListCmd.Flags().StringVar(&auditApproval, "approval", "", "only entries for this approval id")
	auditStreamCmd.Flags().IntVar(&streamLimit, "limit", 10, "recent stream entries to show")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditStreamCmd)
}
