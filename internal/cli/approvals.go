package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sbenjam1n/gatesync/internal/approval"
	"github.com/sbenjam1n/gatesync/internal/ctl"
	"github.com/sbenjam1n/gatesync/internal/poller"
	"github.com/sbenjam1n/gatesync/internal/session"
	"github.com/spf13/cobra"
)

var (
	showAll bool
	next    bool
	actor   string
	comment string
	reason  string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List approvals awaiting a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		sess, err := pulledSession(ctx, showAll)
		if err != nil {
			return err
		}
		defer sess.Close()

		recs := sess.Workflow().Pending()
		title := "Pending approvals (oldest first):"
		if showAll {
			recs = sess.Store().Approvals()
			title = "Approvals (most recent first):"
		}
		fmt.Println(title)
		printApprovals(os.Stdout, recs)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a recommended configuration for deployment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, args, "approve")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Reject a recommended configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, args, "reject")
	},
}

func init() {
	approvalsCmd.Flags().BoolVar(&showAll, "all", false, "include resolved approvals")

	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().BoolVar(&next, "next", false, "act on the oldest pending approval")
		c.Flags().StringVar(&actor, "actor", "", "engineer name recorded in the audit trail (default GATE_OPERATOR)")
	}
	approveCmd.Flags().StringVar(&comment, "comment", "", "comment sent with the approval")
	rejectCmd.Flags().StringVar(&reason, "reason", "", "reason sent with the rejection")
}

// pulledSession builds a session and fills its store from one pull of
// the approval endpoints. The push channel is not opened.
func pulledSession(ctx context.Context, history bool) (*session.Session, error) {
	sess, err := newSession(ctx, session.Options{})
	if err != nil {
		return nil, err
	}
	if err := sess.Poller().Fetch(ctx, poller.ClassApprovals); err != nil {
		sess.Close()
		return nil, err
	}
	if history {
		if err := sess.Poller().Fetch(ctx, poller.ClassHistory); err != nil {
			sess.Close()
			return nil, err
		}
	}
	return sess, nil
}

func checkTarget(args []string, next bool) error {
	switch {
	case next && len(args) == 1:
		return fmt.Errorf("give an approval id or --next, not both")
	case !next && len(args) == 0:
		return fmt.Errorf("give an approval id or --next")
	}
	return nil
}

func runAction(cmd *cobra.Command, args []string, action string) error {
	if err := checkTarget(args, next); err != nil {
		return err
	}
	who := actor
	if who == "" {
		who = cfg.Operator
	}

	ctx := context.Background()
	// History is needed so a resolved id reports its state rather than
	// "not found".
	sess, err := pulledSession(ctx, !next)
	if err != nil {
		return err
	}
	defer sess.Close()

	w := sess.Workflow()
	var rec ctl.ApprovalRecord
	switch {
	case action == "approve" && next:
		rec, err = w.ApproveNext(ctx, who, comment)
	case action == "approve":
		rec, err = w.Approve(ctx, args[0], who, comment)
	case next:
		rec, err = w.RejectNext(ctx, who, reason)
	default:
		rec, err = w.Reject(ctx, args[0], who, reason)
	}
	switch {
	case errors.Is(err, approval.ErrActorRequired):
		return fmt.Errorf("%w\nPass --actor or set GATE_OPERATOR", err)
	case errors.Is(err, approval.ErrNoPending):
		fmt.Println("No pending approvals.")
		return nil
	case err != nil:
		return err
	}

	fmt.Printf("%s %s -> %s by %s\n", rec.ID, action, rec.State, who)
	for _, e := range sess.Store().Trail().For(rec.ID) {
		fmt.Printf("  audit %s  %s  %s -> %s\n", e.ID, e.Action, e.From, e.To)
	}
	return nil
}

func printApprovals(w io.Writer, recs []ctl.ApprovalRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "  %s  %-24s created=%s\n", r.ID, r.State, r.CreatedAt.Format("2006-01-02 15:04:05"))
		if r.HumanReadableSummary != "" {
			fmt.Fprintf(w, "    %s\n", strings.TrimSpace(r.HumanReadableSummary))
		}
		if r.ApprovedBy != "" {
			fmt.Fprintf(w, "    by %s", r.ApprovedBy)
			if r.EngineerComment != "" {
				fmt.Fprintf(w, ": %s", r.EngineerComment)
			}
			fmt.Fprintln(w)
		}
	}
}
