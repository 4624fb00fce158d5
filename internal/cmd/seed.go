package cmd

import (
	"github.com/spf13/cobra"
	"github.com/zfogg/livecache/internal/seed"
)

var seedOpts = seed.DefaultOptions()

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill the store with demo forum data",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		if cfg.Store.Driver == "memory" {
			printWarning("the memory store is discarded when this command exits")
		}

		sum, err := seed.NewSeeder(b.forum).Seed(cmd.Context(), seedOpts)
		if err != nil {
			return err
		}
		return printResult(sum, func() {
			printSuccess("Seeded %d users, %d groups (%d members), %d problems, %d solutions, %d upvotes, %d submissions",
				sum.Users, sum.Groups, sum.Members, sum.Problems, sum.Solutions, sum.Upvotes, sum.Submissions)
		})
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedOpts.Users, "users", seedOpts.Users, "Number of users")
	seedCmd.Flags().IntVar(&seedOpts.Groups, "groups", seedOpts.Groups, "Number of groups")
	seedCmd.Flags().IntVar(&seedOpts.Problems, "problems", seedOpts.Problems, "Problems per group")
	seedCmd.Flags().IntVar(&seedOpts.Solutions, "solutions", seedOpts.Solutions, "Most solutions per problem")
	seedCmd.Flags().IntVar(&seedOpts.Submissions, "submissions", seedOpts.Submissions, "Submissions per member")
	seedCmd.Flags().Int64Var(&seedOpts.Seed, "seed", 0, "Random seed; 0 uses the clock")
}
