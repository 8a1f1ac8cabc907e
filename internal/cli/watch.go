package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sbenjam1n/gatesync/internal/audit"
	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/sbenjam1n/gatesync/internal/session"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live feed: connection state, pending approvals, audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var mu sync.Mutex
		lastPending := -1
		sess, err := newSession(ctx, session.Options{
			Sinks: []audit.Sink{audit.SinkFunc(func(_ context.Context, e ctl.AuditEntry) error {
				fmt.Printf("audit   %s  %-28s %s  actor=%s\n", e.ApprovalID, e.Action, e.To, e.Actor)
				return nil
			})},
			OnState: func(cs ctl.ConnectionState) {
				line := fmt.Sprintf("channel %s", cs.Status)
				if cs.ReconnectAttempt > 0 {
					line += fmt.Sprintf(" (attempt %d/%d)", cs.ReconnectAttempt, cfg.MaxReconnectAttempts)
				}
				if cs.LastError != "" {
					line += ": " + cs.LastError
				}
				if cs.Status == ctl.StatusErrored {
					line += fmt.Sprintf("\n        retry with: kill -HUP %d", os.Getpid())
				}
				fmt.Println(line)
			},
			OnPending: func(n int) {
				mu.Lock()
				defer mu.Unlock()
				if n != lastPending {
					fmt.Printf("pending %d approval(s) awaiting a decision\n", n)
					lastPending = n
				}
			},
		})
		if err != nil {
			return err
		}
		defer sess.Close()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go retryOnSignal(ctx, hup, sess.Reconnect)

		fmt.Printf("Watching %s (Ctrl+C to stop, SIGHUP to reconnect)\n", cfg.ChannelURL)
		return sess.Run(ctx)
	},
}

// retryOnSignal calls reconnect for every signal received until ctx ends.
func retryOnSignal(ctx context.Context, sigs <-chan os.Signal, reconnect func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			fmt.Println("channel reconnect requested")
			reconnect()
		}
	}
}
