package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/view"
)

var leaderboardFollow bool

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard <group>",
	Short: "Show a group's leaderboard",
	Long:  "Show a group's leaderboard once, or with --follow every time it changes.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		def := forum.Leaderboard(args[0])
		if !leaderboardFollow {
			entries, err := def.Once(cmd.Context(), b.store)
			if err != nil {
				return err
			}
			return printLeaderboard(args[0], entries)
		}

		handle, err := def.Derive(b.reg, cliScope)
		if err != nil {
			return err
		}
		defer handle.Close()

		failed := make(chan error, 1)
		cancel := handle.OnChange(func(entries []forum.LeaderboardEntry, state view.State, err error) {
			switch state {
			case view.Ready:
				if err := printLeaderboard(args[0], entries); err != nil {
					printError("%v", err)
				}
			case view.Failed:
				select {
				case failed <- err:
				default:
				}
			}
		})
		defer cancel()

		select {
		case <-cmd.Context().Done():
			return nil
		case err := <-failed:
			return err
		}
	},
}

func printLeaderboard(gid string, entries []forum.LeaderboardEntry) error {
	return printResult(entries, func() {
		bold.Printf("Leaderboard for %s\n", gid)
		if len(entries) == 0 {
			printInfo("  no members yet")
			return
		}
		for _, e := range entries {
			fmt.Printf("  %3d. %-24s %s\n", e.Rank, e.DisplayName, success.Sprintf("%d solved", e.Solved))
		}
	})
}

func init() {
	leaderboardCmd.Flags().BoolVarP(&leaderboardFollow, "follow", "f", false, "Keep printing as the leaderboard changes")
}
