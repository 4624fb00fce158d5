package cmd

import (
	"github.com/spf13/cobra"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/store"
)

var (
	incrBy     int64
	upvoteUser string
)

var incrCmd = &cobra.Command{
	Use:   "incr <path>",
	Short: "Atomically add to the number at a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := store.ParsePath(args[0])
		if err != nil {
			return err
		}

		b, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		n, err := b.counter.Increment(cmd.Context(), path, incrBy)
		if err != nil {
			return err
		}
		return printResult(map[string]interface{}{"path": path, "value": n}, func() {
			printSuccess("%s = %d", path, n)
		})
	},
}

var upvoteCmd = &cobra.Command{
	Use:   "upvote <group> <problem> <solution>",
	Short: "Toggle a user's upvote on a solution",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := forum.SolutionRef{GroupID: args[0], ProblemID: args[1], SolutionID: args[2]}

		b, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		result, err := b.forum.ToggleUpvote(cmd.Context(), ref, upvoteUser)
		if err != nil {
			return err
		}
		return printResult(result, func() {
			verb := "removed"
			if result.Upvoted {
				verb = "added"
			}
			printSuccess("Upvote %s by %s on %s (%d total, %s)", verb, upvoteUser, ref, result.Count, b.forum.Mode())
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <group> <problem> <solution>",
	Short: "Recount a solution's upvotes from its flags",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := forum.SolutionRef{GroupID: args[0], ProblemID: args[1], SolutionID: args[2]}

		b, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		count, err := b.forum.Reconcile(cmd.Context(), ref)
		if err != nil {
			return err
		}
		return printResult(map[string]interface{}{"solution": ref.String(), "upvote_count": count}, func() {
			printSuccess("%s has %d upvotes", ref, count)
		})
	},
}

func init() {
	incrCmd.Flags().Int64Var(&incrBy, "by", 1, "Amount to add; may be negative")
	upvoteCmd.Flags().StringVar(&upvoteUser, "user", "", "User casting the upvote")
	_ = upvoteCmd.MarkFlagRequired("user")
}
