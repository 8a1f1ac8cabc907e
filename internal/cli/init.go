package cli

import (
	"context"
	"fmt"

	"github.com/sbenjam1n/gatesync/internal/db"
	"github.com/sbenjam1n/gatesync/internal/queue"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the durable audit schema",
	Long:  "Run PostgreSQL migrations for the audit trail and check the Redis audit stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		fmt.Println("Connecting to PostgreSQL...")
		pool, err := connectDB(ctx)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()

		fmt.Println("Running migrations...")
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Println("PostgreSQL audit schema created")

		if cfg.RedisURL == "" {
			fmt.Println("\nNo GATE_REDIS_URL set; skipping Redis audit stream.")
			return nil
		}
		fmt.Println("Connecting to Redis...")
		rdb, err := connectRedis()
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		n, err := queue.New(rdb).Status(ctx)
		if err != nil {
			return fmt.Errorf("redis stream check failed: %w", err)
		}
		fmt.Printf("Redis stream %s reachable (%d entries)\n", queue.StreamAudit, n)

		fmt.Println("\ngate initialized successfully.")
		return nil
	},
}
